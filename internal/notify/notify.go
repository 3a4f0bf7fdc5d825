// Package notify fans lifecycle events out to participants and drives the
// per-bid chat channel. Delivery failures never fail the operation that
// triggered them.
package notify

import (
	"log"
)

// Recipient addresses one delivery. AreaIDs and Cohort widen a send to
// every helper in an area or a named group instead of one user.
type Recipient struct {
	UserID  string
	AreaIDs []int64
	Cohort  string
}

// Notifier delivers a templated message. Data rides along for clients that
// deep-link into the entity the message is about.
type Notifier interface {
	Send(to Recipient, template string, args []any, data map[string]string)
}

// Chat manages the two-party conversation attached to an awarded bid.
type Chat interface {
	Open(bidID, customerID, helperID string) error
	Reopen(bidID string) error
	Close(bidID string) error
}

// Templates used by the lifecycle engine.
const (
	TplMissionOpen       = "mission_open"
	TplMissionTimeout    = "mission_timeout"
	TplBidSubmitted      = "bid_submitted"
	TplBidWon            = "bid_won"
	TplBidFailed         = "bid_failed"
	TplMissionCanceled   = "mission_canceled"
	TplMissionDone       = "mission_done"
	TplInteractionAsked  = "interaction_requested"
	TplInteractionClosed = "interaction_resolved"
	TplReviewReceived    = "review_received"
	TplRewardGranted     = "reward_granted"
)

// LogNotifier writes deliveries to a logger. It stands in until a push
// provider is wired and keeps single-binary deployments observable.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

func (n LogNotifier) Send(to Recipient, template string, args []any, data map[string]string) {
	switch {
	case to.UserID != "":
		n.logger().Printf("notify: user=%s template=%s args=%v", to.UserID, template, args)
	case len(to.AreaIDs) > 0:
		n.logger().Printf("notify: areas=%v template=%s args=%v", to.AreaIDs, template, args)
	default:
		n.logger().Printf("notify: cohort=%s template=%s args=%v", to.Cohort, template, args)
	}
}

// LogChat is the logging stand-in for the chat backend.
type LogChat struct {
	Logger *log.Logger
}

func (c LogChat) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c LogChat) Open(bidID, customerID, helperID string) error {
	c.logger().Printf("chat: open bid=%s customer=%s helper=%s", bidID, customerID, helperID)
	return nil
}

func (c LogChat) Reopen(bidID string) error {
	c.logger().Printf("chat: reopen bid=%s", bidID)
	return nil
}

func (c LogChat) Close(bidID string) error {
	c.logger().Printf("chat: close bid=%s", bidID)
	return nil
}

// Recording implementations for tests.

type SentMessage struct {
	To       Recipient
	Template string
	Args     []any
	Data     map[string]string
}

// Recorder captures deliveries for assertions.
type Recorder struct {
	Sent []SentMessage
}

func (r *Recorder) Send(to Recipient, template string, args []any, data map[string]string) {
	r.Sent = append(r.Sent, SentMessage{To: to, Template: template, Args: args, Data: data})
}

// ByTemplate returns the captured messages with the given template.
func (r *Recorder) ByTemplate(template string) []SentMessage {
	var out []SentMessage
	for _, m := range r.Sent {
		if m.Template == template {
			out = append(out, m)
		}
	}
	return out
}

// ChatRecorder captures chat channel transitions for assertions.
type ChatRecorder struct {
	Opened   []string
	Reopened []string
	Closed   []string
}

func (c *ChatRecorder) Open(bidID, customerID, helperID string) error {
	c.Opened = append(c.Opened, bidID)
	return nil
}

func (c *ChatRecorder) Reopen(bidID string) error {
	c.Reopened = append(c.Reopened, bidID)
	return nil
}

func (c *ChatRecorder) Close(bidID string) error {
	c.Closed = append(c.Closed, bidID)
	return nil
}
