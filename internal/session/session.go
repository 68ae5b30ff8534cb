// Package session owns the support-chat data model: chat sessions, their
// append-only message logs, and the bot -> pending -> active -> resolved
// state machine. Stores in this package are the single source of truth for
// transcripts; every transport reads and writes through them.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a chat session.
type Status string

const (
	StatusBotHandled   Status = "bot_handled"
	StatusPendingAdmin Status = "pending_admin"
	StatusActive       Status = "active"
	StatusResolved     Status = "resolved"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusBotHandled, StatusPendingAdmin, StatusActive, StatusResolved}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBotHandled, StatusPendingAdmin, StatusActive, StatusResolved:
		return true
	}
	return false
}

// Escalated reports whether the session is in human-handled mode and still
// open, i.e. push and poll delivery are live for it.
func (s Status) Escalated() bool {
	return s == StatusPendingAdmin || s == StatusActive
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderBot   Sender = "bot"
	SenderUser  Sender = "user"
	SenderAdmin Sender = "admin"
)

// Kind classifies message content.
type Kind string

const (
	KindText             Kind = "text"
	KindEscalationNotice Kind = "escalation_notice"
	KindQuickReply       Kind = "quick_reply"
)

// Message is one immutable entry of a session's log.
type Message struct {
	ID        string    `json:"id" yaml:"id"` // UUIDv7, time-ordered
	SessionID string    `json:"sessionId" yaml:"session_id"`
	Seq       int64     `json:"seq" yaml:"seq"` // 1-based append position, assigned by the store
	Sender    Sender    `json:"sender" yaml:"sender"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	Text      string    `json:"text" yaml:"text"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// ChatSession is the durable record of one support conversation.
type ChatSession struct {
	ID              string    `json:"sessionId"`
	UserID          string    `json:"userId,omitempty"`
	UserEmail       string    `json:"userEmail,omitempty"`
	Status          Status    `json:"status"`
	AssignedAdminID string    `json:"assignedAdminId,omitempty"`
	Messages        []Message `json:"messages"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
}

// LastSeq returns the sequence number of the newest message, or 0 for an
// empty log.
func (s *ChatSession) LastSeq() int64 {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].Seq
}

// Clone returns a deep copy so callers never share the store's slice.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// Summary is the triage view of a session used by the admin listing.
type Summary struct {
	ID              string    `json:"sessionId"`
	Status          Status    `json:"status"`
	AssignedAdminID string    `json:"assignedAdminId,omitempty"`
	UserEmail       string    `json:"userEmail,omitempty"`
	MessageCount    int       `json:"messageCount"`
	LastActivity    time.Time `json:"lastActivity"`
}

// Summarize builds the triage view of s.
func Summarize(s *ChatSession) Summary {
	return Summary{
		ID:              s.ID,
		Status:          s.Status,
		AssignedAdminID: s.AssignedAdminID,
		UserEmail:       s.UserEmail,
		MessageCount:    len(s.Messages),
		LastActivity:    s.LastActivityAt,
	}
}

// Identity is the contact information known about the end user. UserID is
// set by upstream authentication; Email is collected during escalation.
type Identity struct {
	UserID string
	Email  string
}

// HasContact reports whether there is any way to reach the user later.
func (id Identity) HasContact() bool {
	return id.UserID != "" || id.Email != ""
}

// NewMessageID returns a fresh time-ordered message id.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewMessage builds an unsequenced message. The store assigns Seq and
// SessionID on append.
func NewMessage(sender Sender, kind Kind, text string) Message {
	return Message{
		ID:        NewMessageID(),
		Sender:    sender,
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}
