// Package relay speaks the masked-number carrier's fixed-width socket
// protocol. Every request and response is one 127-byte frame.
package relay

import (
	"fmt"
	"strings"
)

// PacketSize is the exact frame length on the wire.
const PacketSize = 127

// Packet ids understood by the carrier.
const (
	PacketLogin    = 2500
	PacketAssign   = 2501
	PacketUnassign = 2502
	PacketPause    = 2503
	PacketResume   = 2504
	PacketHealth   = 2600
)

// ResultOK is the carrier's success code.
const ResultOK = "00"

// resultMessages maps the carrier's two-digit result codes to descriptions.
var resultMessages = map[string]string{
	"01": "packet length error",
	"02": "undefined packet id",
	"03": "company id error",
	"04": "send requested before number assignment",
	"05": "050 number prefix mismatch",
	"06": "050 number length mismatch",
	"07": "malformed phone number",
	"08": "delimiter error",
	"09": "invalid use flag",
	"10": "external link method mismatch",
	"11": "carrier database error",
	"12": "unregistered 050 number",
	"13": "TPS limit exceeded",
	"14": "login from unregistered IP",
}

// ResultError is a non-OK result code returned by the carrier.
type ResultError struct {
	Code string
}

func (e *ResultError) Error() string {
	if msg, ok := resultMessages[e.Code]; ok {
		return fmt.Sprintf("relay: %s (code %s)", msg, e.Code)
	}
	return fmt.Sprintf("relay: unknown result code %s", e.Code)
}

// Packet is one frame. Zero-value fields encode as space padding; the
// carrier reads absent fields the same way.
type Packet struct {
	PacketID     int
	CompanyID    string
	SystemID     string
	Sequence     string
	Result       string
	Method       string
	SafetyNumber string
	PhoneNumber1 string
	PhoneNumber2 string
	PhoneNumber3 string

	// Previous-assignment echo fields, populated by the carrier on
	// responses to reassignments.
	PrevSafetyNumber string
	PrevPhoneNumber1 string
	PrevPhoneNumber2 string
	PrevPhoneNumber3 string

	UseFlag string
}

// field widths, in wire order between the '#' stx and '$' etx markers.
var fieldWidths = []struct {
	width int
	get   func(*Packet) string
	set   func(*Packet, string)
}{
	{4, func(p *Packet) string {
		if p.PacketID == 0 {
			return ""
		}
		return fmt.Sprintf("%d", p.PacketID)
	}, func(p *Packet, v string) { fmt.Sscanf(v, "%d", &p.PacketID) }},
	{8, func(p *Packet) string { return p.CompanyID }, func(p *Packet, v string) { p.CompanyID = v }},
	{3, func(p *Packet) string { return p.SystemID }, func(p *Packet, v string) { p.SystemID = v }},
	{10, func(p *Packet) string { return p.Sequence }, func(p *Packet, v string) { p.Sequence = v }},
	{2, func(p *Packet) string { return p.Result }, func(p *Packet, v string) { p.Result = v }},
	{1, func(p *Packet) string { return p.Method }, func(p *Packet, v string) { p.Method = v }},
	{12, func(p *Packet) string { return p.SafetyNumber }, func(p *Packet, v string) { p.SafetyNumber = v }},
	{12, func(p *Packet) string { return p.PhoneNumber1 }, func(p *Packet, v string) { p.PhoneNumber1 = v }},
	{12, func(p *Packet) string { return p.PhoneNumber2 }, func(p *Packet, v string) { p.PhoneNumber2 = v }},
	{12, func(p *Packet) string { return p.PhoneNumber3 }, func(p *Packet, v string) { p.PhoneNumber3 = v }},
	{12, func(p *Packet) string { return p.PrevSafetyNumber }, func(p *Packet, v string) { p.PrevSafetyNumber = v }},
	{12, func(p *Packet) string { return p.PrevPhoneNumber1 }, func(p *Packet, v string) { p.PrevPhoneNumber1 = v }},
	{12, func(p *Packet) string { return p.PrevPhoneNumber2 }, func(p *Packet, v string) { p.PrevPhoneNumber2 = v }},
	{12, func(p *Packet) string { return p.PrevPhoneNumber3 }, func(p *Packet, v string) { p.PrevPhoneNumber3 = v }},
	{1, func(p *Packet) string { return p.UseFlag }, func(p *Packet, v string) { p.UseFlag = v }},
}

// Encode renders the frame. Requests default Method and UseFlag to "1",
// matching the carrier's external-link configuration.
func (p Packet) Encode() ([]byte, error) {
	if p.Method == "" {
		p.Method = "1"
	}
	if p.UseFlag == "" {
		p.UseFlag = "1"
	}
	var b strings.Builder
	b.WriteByte('#')
	for _, f := range fieldWidths {
		v := f.get(&p)
		if len(v) > f.width {
			return nil, fmt.Errorf("relay: field value %q exceeds width %d", v, f.width)
		}
		b.WriteString(v)
		b.WriteString(strings.Repeat(" ", f.width-len(v)))
	}
	b.WriteByte('$')
	out := b.String()
	if len(out) != PacketSize {
		return nil, fmt.Errorf("relay: encoded frame is %d bytes, want %d", len(out), PacketSize)
	}
	return []byte(out), nil
}

// Decode parses one frame. Padding spaces are stripped from every field.
func Decode(frame []byte) (Packet, error) {
	var p Packet
	if len(frame) != PacketSize {
		return p, fmt.Errorf("relay: frame is %d bytes, want %d", len(frame), PacketSize)
	}
	if frame[0] != '#' || frame[PacketSize-1] != '$' {
		return p, fmt.Errorf("relay: bad frame markers %q %q", frame[0], frame[PacketSize-1])
	}
	offset := 1
	for _, f := range fieldWidths {
		f.set(&p, strings.TrimSpace(string(frame[offset:offset+f.width])))
		offset += f.width
	}
	return p, nil
}

// Err returns nil for an OK result, a ResultError otherwise.
func (p Packet) Err() error {
	if p.Result == ResultOK {
		return nil
	}
	return &ResultError{Code: p.Result}
}
