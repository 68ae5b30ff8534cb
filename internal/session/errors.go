package session

import "errors"

var (
	// ErrSessionNotFound is returned for operations against an unknown id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionResolved is returned when the user side writes to a closed
	// session. Resolved sessions are never reopened; the client starts a
	// new session id instead.
	ErrSessionResolved = errors.New("session is resolved")

	// ErrStaleAssignment is returned when an admin acts on a session that
	// another admin has claimed, or that has already been resolved.
	ErrStaleAssignment = errors.New("session is assigned to another admin or already resolved")

	// ErrNotEscalated is returned when an admin writes to a session that is
	// still bot-handled.
	ErrNotEscalated = errors.New("session has not been escalated")

	// ErrInvalidTransition is returned for state changes the state machine
	// does not allow, such as closing a session nobody has picked up.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrInvalidMessage is returned when message content or metadata fails
	// validation.
	ErrInvalidMessage = errors.New("invalid message")
)
