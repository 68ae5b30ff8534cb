package protocol

import (
	"errors"

	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
)

// Error codes carried in Error frames and HTTP error bodies.
const (
	CodeSessionNotFound   = "session_not_found"
	CodeSessionResolved   = "session_resolved"
	CodeStaleAssignment   = "stale_assignment"
	CodeNotEscalated      = "not_escalated"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidMessage    = "invalid_message"
	CodeContactRequired   = "contact_required"
	CodeRateLimited       = "rate_limited"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal_error"
)

// CodeFor maps a domain error to its wire code. Unknown errors are
// internal.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, session.ErrSessionResolved):
		return CodeSessionResolved
	case errors.Is(err, session.ErrStaleAssignment):
		return CodeStaleAssignment
	case errors.Is(err, session.ErrNotEscalated):
		return CodeNotEscalated
	case errors.Is(err, session.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, session.ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ratelimit.ErrRateLimited):
		return CodeRateLimited
	}
	return CodeInternal
}

// ErrorFrom builds an Error frame for err. Internal errors are not echoed to
// clients.
func ErrorFrom(err error) Error {
	code := CodeFor(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return Error{Code: code, Message: msg}
}
