package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Carrier is what the allocator needs from the masked-number relay.
// Implementations must be safe for concurrent use.
type Carrier interface {
	Login() error
	HealthCheck() error
	AssignNumber(safetyNumber, phoneNumber string) error
	UnassignNumber(safetyNumber string) error
	PauseNumber(safetyNumber string) error
	ResumeNumber(safetyNumber string) error
}

// Client holds one persistent socket to the carrier, reconnecting on a
// broken pipe. All requests are serialized: the protocol has no framing
// beyond strict request/response alternation.
type Client struct {
	Host      string
	Port      int
	CompanyID string

	// Dial is swappable for tests. Nil means net.Dial over TCP.
	Dial func(addr string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
}

func NewClient(host string, port int, companyID string) *Client {
	return &Client{Host: host, Port: port, CompanyID: companyID}
}

func (c *Client) dial() error {
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	dial := c.Dial
	if dial == nil {
		dial = func(a string) (net.Conn, error) { return net.Dial("tcp", a) }
	}
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// request sends one frame and reads the response. A write failure drops the
// socket and retries on a fresh connection, up to three attempts total.
func (c *Client) request(p Packet) (Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.CompanyID = c.CompanyID
	frame, err := p.Encode()
	if err != nil {
		return Packet{}, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		if c.conn == nil {
			if err = c.dial(); err != nil {
				continue
			}
		}
		if _, err = c.conn.Write(frame); err != nil {
			c.conn.Close()
			c.conn = nil
			continue
		}
		buf := make([]byte, PacketSize)
		if _, err = io.ReadFull(c.conn, buf); err != nil {
			c.conn.Close()
			c.conn = nil
			continue
		}
		resp, derr := Decode(buf)
		if derr != nil {
			return Packet{}, derr
		}
		return resp, resp.Err()
	}
	return Packet{}, fmt.Errorf("relay: carrier unreachable: %w", err)
}

// Close drops the socket. The next request reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Login() error {
	_, err := c.request(Packet{PacketID: PacketLogin})
	return err
}

func (c *Client) HealthCheck() error {
	_, err := c.request(Packet{PacketID: PacketHealth})
	return err
}

func (c *Client) AssignNumber(safetyNumber, phoneNumber string) error {
	_, err := c.request(Packet{
		PacketID:     PacketAssign,
		SafetyNumber: safetyNumber,
		PhoneNumber1: phoneNumber,
	})
	return err
}

func (c *Client) UnassignNumber(safetyNumber string) error {
	_, err := c.request(Packet{PacketID: PacketUnassign, SafetyNumber: safetyNumber})
	// The carrier reports an already-released number as unregistered;
	// releasing twice is not a failure.
	var rerr *ResultError
	if errors.As(err, &rerr) && rerr.Code == "12" {
		return nil
	}
	return err
}

func (c *Client) PauseNumber(safetyNumber string) error {
	_, err := c.request(Packet{PacketID: PacketPause, SafetyNumber: safetyNumber})
	return err
}

func (c *Client) ResumeNumber(safetyNumber string) error {
	_, err := c.request(Packet{PacketID: PacketResume, SafetyNumber: safetyNumber})
	return err
}
