// Package protocol defines the push-channel messages exchanged between chat
// clients and the hub. Every frame is a JSON envelope
//
//	{"type": "<kind>", "data": {...}}
//
// and each direction is a closed set of kinds: ParseClientMessage returns a
// ClientMessage that the hub matches with an exhaustive type switch, and
// ParseServerMessage does the same for clients.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/support-desk/internal/session"
)

// Client -> Server message types.
const (
	TypeJoinUserSession  = "join_user_session"
	TypeJoinAdminSession = "join_admin_session"
	TypeUserMessage      = "user_message"
	TypeAdminMessage     = "admin_message" // also Server -> User
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeConnected         = "connected"
	TypeSessionData       = "session_data"
	TypeActiveSessions    = "active_sessions"
	TypeNewUserMessage    = "new_user_message"
	TypeMessageSent       = "message_sent"
	TypeEscalationRequest = "escalation_request"
	TypeError             = "error"
	TypePong              = "pong"
)

// Envelope is the wire shape of every frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ClientMessage is implemented only by the client message types below.
type ClientMessage interface {
	Kind() string
	validate() error
}

// JoinUserSession binds the connection to a session as its user side.
type JoinUserSession struct {
	SessionID string `json:"sessionId"`
}

// JoinAdminSession binds the connection to the admin feed of AdminID and,
// when SessionID is set, focuses it on that session.
type JoinAdminSession struct {
	AdminID   string `json:"adminId"`
	SessionID string `json:"sessionId,omitempty"`
}

// UserMessage is a user's chat line. ID is an optional client-generated
// idempotency key.
type UserMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	ID        string `json:"id,omitempty"`
}

// AdminMessage is an admin's reply to a session.
type AdminMessage struct {
	SessionID string `json:"sessionId"`
	AdminID   string `json:"adminId"`
	Text      string `json:"text"`
	ID        string `json:"id,omitempty"`
}

// Ping is an application-level keepalive.
type Ping struct{}

func (JoinUserSession) Kind() string  { return TypeJoinUserSession }
func (JoinAdminSession) Kind() string { return TypeJoinAdminSession }
func (UserMessage) Kind() string      { return TypeUserMessage }
func (AdminMessage) Kind() string     { return TypeAdminMessage }
func (Ping) Kind() string             { return TypePing }

func (m JoinUserSession) validate() error {
	return require("sessionId", m.SessionID)
}

func (m JoinAdminSession) validate() error {
	return require("adminId", m.AdminID)
}

func (m UserMessage) validate() error {
	if err := require("sessionId", m.SessionID); err != nil {
		return err
	}
	return require("text", m.Text)
}

func (m AdminMessage) validate() error {
	for _, f := range [][2]string{{"sessionId", m.SessionID}, {"adminId", m.AdminID}, {"text", m.Text}} {
		if err := require(f[0], f[1]); err != nil {
			return err
		}
	}
	return nil
}

func (Ping) validate() error { return nil }

func require(field, v string) error {
	if v == "" {
		return fmt.Errorf("protocol: missing %q", field)
	}
	return nil
}

// ParseClientMessage decodes a frame from a chat client. Unknown kinds,
// server-only kinds and payloads missing required fields are errors.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	var msg ClientMessage
	switch env.Type {
	case TypeJoinUserSession:
		msg, err = decode[JoinUserSession](env)
	case TypeJoinAdminSession:
		msg, err = decode[JoinAdminSession](env)
	case TypeUserMessage:
		msg, err = decode[UserMessage](env)
	case TypeAdminMessage:
		msg, err = decode[AdminMessage](env)
	case TypePing:
		msg = Ping{}
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w in %q", err, env.Type)
	}
	return msg, nil
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ServerMessage is implemented only by the server message types below.
type ServerMessage interface {
	Kind() string
	serverMessage()
}

// Connected is the first frame on every push connection.
type Connected struct {
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime"` // unix millis
}

// SessionData is a full snapshot of one session. ReadOnly is set when the
// receiving admin is not the session's assignee.
type SessionData struct {
	Session  session.ChatSession `json:"session"`
	ReadOnly bool                `json:"readOnly,omitempty"`
}

// ActiveSessions is the admin triage list sent on admin join.
type ActiveSessions struct {
	Sessions []session.Summary `json:"sessions"`
}

// NewUserMessage forwards a user's message to the admin side.
type NewUserMessage struct {
	Message session.Message `json:"message"`
}

// AdminReply forwards an admin's message to the user side. It shares the
// admin_message kind with the client's AdminMessage.
type AdminReply struct {
	Message session.Message `json:"message"`
}

// MessageSent acknowledges a persisted message to its sender.
type MessageSent struct {
	Message session.Message `json:"message"`
	Status  session.Status  `json:"status"`
}

// EscalationRequest is broadcast to every admin feed when a session is
// escalated.
type EscalationRequest struct {
	Session session.Summary `json:"session"`
	Notice  session.Message `json:"notice"`
}

// Error reports a failed client request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong answers Ping.
type Pong struct{}

func (Connected) Kind() string         { return TypeConnected }
func (SessionData) Kind() string       { return TypeSessionData }
func (ActiveSessions) Kind() string    { return TypeActiveSessions }
func (NewUserMessage) Kind() string    { return TypeNewUserMessage }
func (AdminReply) Kind() string        { return TypeAdminMessage }
func (MessageSent) Kind() string       { return TypeMessageSent }
func (EscalationRequest) Kind() string { return TypeEscalationRequest }
func (Error) Kind() string             { return TypeError }
func (Pong) Kind() string              { return TypePong }

func (Connected) serverMessage()         {}
func (SessionData) serverMessage()       {}
func (ActiveSessions) serverMessage()    {}
func (NewUserMessage) serverMessage()    {}
func (AdminReply) serverMessage()        {}
func (MessageSent) serverMessage()       {}
func (EscalationRequest) serverMessage() {}
func (Error) serverMessage()             {}
func (Pong) serverMessage()              {}

// NewServerMessage encodes msg into an envelope frame.
func NewServerMessage(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msg.Kind(), err)
	}
	out, err := json.Marshal(Envelope{Type: msg.Kind(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ParseServerMessage decodes a frame from the hub.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeConnected:
		return decode[Connected](env)
	case TypeSessionData:
		return decode[SessionData](env)
	case TypeActiveSessions:
		return decode[ActiveSessions](env)
	case TypeNewUserMessage:
		return decode[NewUserMessage](env)
	case TypeAdminMessage:
		return decode[AdminReply](env)
	case TypeMessageSent:
		return decode[MessageSent](env)
	case TypeEscalationRequest:
		return decode[EscalationRequest](env)
	case TypeError:
		return decode[Error](env)
	case TypePong:
		return Pong{}, nil
	}
	return nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
}

// NewClientMessage encodes msg into an envelope frame.
func NewClientMessage(msg ClientMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Type: msg.Kind(), Data: data})
}

func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env, nil
}

func decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("protocol: %q has no data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return v, nil
}
