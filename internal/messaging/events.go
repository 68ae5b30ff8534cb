package messaging

import (
	"encoding/json"
	"fmt"
	"log"
)

// EscalationEvent is published on support.escalation when a session first
// moves to pending_admin. The notifier turns it into an email when no admin
// was online to pick it up.
type EscalationEvent struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId,omitempty"`
	UserEmail    string `json:"userEmail,omitempty"`
	AdminsOnline bool   `json:"adminsOnline"`
	Notice       string `json:"notice"`
	Ts           int64  `json:"ts"` // unix millis
}

// Session event types.
const (
	EventMessage  = "message"
	EventClaimed  = "claimed"
	EventResolved = "resolved"
)

// SessionEvent is published on support.session.<id> after a session's log
// or status changed.
type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	AdminID   string `json:"adminId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Ts        int64  `json:"ts"` // unix millis
}

// Publisher sends support-desk events. Publishing is best-effort: callers
// log failures and carry on.
type Publisher interface {
	PublishEscalation(ev EscalationEvent) error
	PublishSession(ev SessionEvent) error
}

type rawPublisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisher encodes events as JSON and publishes them on their
// subjects.
type EventPublisher struct {
	pub rawPublisher
}

// NewEventPublisher creates a Publisher on top of a NATS client.
func NewEventPublisher(client *NATSClient) *EventPublisher {
	return &EventPublisher{pub: client}
}

func (p *EventPublisher) PublishEscalation(ev EscalationEvent) error {
	return p.publish(SubjectEscalation, ev)
}

func (p *EventPublisher) PublishSession(ev SessionEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("messaging: session event without session id")
	}
	return p.publish(SubjectSession+"."+ev.SessionID, ev)
}

func (p *EventPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := p.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Discard is a Publisher that drops every event. supportd uses it in memory
// mode when NATS is not reachable.
type Discard struct{}

func (Discard) PublishEscalation(ev EscalationEvent) error {
	log.Printf("[messaging] no broker, dropping escalation event session=%s", ev.SessionID)
	return nil
}

func (Discard) PublishSession(SessionEvent) error { return nil }
