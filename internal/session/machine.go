package session

import "fmt"

// The plan* functions decide state transitions without touching storage.
// Both stores call them while holding the per-session lock, so the rules
// below are the only place the state machine is encoded:
//
//	bot_handled -> pending_admin   escalation
//	pending_admin -> active        admin claims (join or first reply)
//	active -> resolved             assigned admin closes
//	resolved                       terminal

// planEscalate reports whether escalating a session in status s changes it.
func planEscalate(s Status) (bool, error) {
	switch s {
	case StatusBotHandled:
		return true, nil
	case StatusPendingAdmin, StatusActive:
		return false, nil
	case StatusResolved:
		return false, ErrSessionResolved
	}
	return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// planAppend returns the status and assignee a session moves to when a
// message from sender is appended. adminID is only consulted for admin
// messages.
func planAppend(s *ChatSession, sender Sender, adminID string) (Status, string, error) {
	switch sender {
	case SenderUser, SenderBot:
		if s.Status == StatusResolved {
			return "", "", ErrSessionResolved
		}
		return s.Status, s.AssignedAdminID, nil
	case SenderAdmin:
		if adminID == "" {
			return "", "", fmt.Errorf("%w: admin id is required", ErrInvalidMessage)
		}
		status, assignee, _, err := planClaim(s, adminID)
		return status, assignee, err
	}
	return "", "", fmt.Errorf("%w: unknown sender %q", ErrInvalidMessage, sender)
}

// planClaim assigns adminID to a pending session. First write wins: once a
// session is assigned, every other admin gets ErrStaleAssignment.
func planClaim(s *ChatSession, adminID string) (Status, string, bool, error) {
	switch s.Status {
	case StatusBotHandled:
		return "", "", false, ErrNotEscalated
	case StatusPendingAdmin:
		if s.AssignedAdminID != "" && s.AssignedAdminID != adminID {
			return "", "", false, ErrStaleAssignment
		}
		return StatusActive, adminID, true, nil
	case StatusActive:
		if s.AssignedAdminID != adminID {
			return "", "", false, ErrStaleAssignment
		}
		return StatusActive, adminID, false, nil
	case StatusResolved:
		return "", "", false, ErrStaleAssignment
	}
	return "", "", false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s.Status)
}

// planResolve reports whether adminID closing the session changes it.
// Closing twice is a no-op for the admin who closed it.
func planResolve(s *ChatSession, adminID string) (bool, error) {
	switch s.Status {
	case StatusActive:
		if s.AssignedAdminID != adminID {
			return false, ErrStaleAssignment
		}
		return true, nil
	case StatusResolved:
		if s.AssignedAdminID != adminID {
			return false, ErrStaleAssignment
		}
		return false, nil
	case StatusBotHandled, StatusPendingAdmin:
		return false, fmt.Errorf("%w: cannot resolve a %s session", ErrInvalidTransition, s.Status)
	}
	return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s.Status)
}

// mergeIdentity fills identity fields the session does not have yet.
func mergeIdentity(s *ChatSession, id Identity) bool {
	changed := false
	if s.UserID == "" && id.UserID != "" {
		s.UserID = id.UserID
		changed = true
	}
	if s.UserEmail == "" && id.Email != "" {
		s.UserEmail = id.Email
		changed = true
	}
	return changed
}
