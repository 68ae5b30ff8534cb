package session

import (
	"context"
	"fmt"
	"time"
)

// Store is the durable owner of chat sessions and their message logs.
// Every mutating method is an atomic read-modify-write on one session, so a
// user message and an admin message arriving in the same instant are both
// appended with distinct, gap-free sequence numbers.
type Store interface {
	// Get returns the session with its full log, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*ChatSession, error)

	// Ensure creates the session in bot_handled state if it does not exist
	// and fills identity fields it is missing.
	Ensure(ctx context.Context, id string, identity Identity) (*ChatSession, bool, error)

	// Escalate moves a bot-handled session to pending_admin and appends
	// notice. The session is created if needed and history is imported when
	// its log is still empty. Calls on an already escalated session return
	// the current state with changed == false.
	Escalate(ctx context.Context, id string, identity Identity, history []Message, notice Message) (*ChatSession, bool, error)

	// Append adds msg to the session log, applying the state machine.
	// Appending a message whose id is already stored returns the stored
	// message and is not an error.
	Append(ctx context.Context, id string, msg Message, adminID string) (Message, *ChatSession, error)

	// Claim assigns adminID to a pending session and activates it.
	Claim(ctx context.Context, id string, adminID string) (*ChatSession, bool, error)

	// Resolve closes an active session on behalf of its assigned admin.
	Resolve(ctx context.Context, id string, adminID string) (*ChatSession, bool, error)

	// MessagesAfter returns messages with Seq > afterSeq, and newer than
	// since when since is non-zero, in append order.
	MessagesAfter(ctx context.Context, id string, afterSeq int64, since time.Time) ([]Message, error)

	// List returns session summaries ordered by most recent activity. An
	// empty statuses list means all sessions.
	List(ctx context.Context, statuses ...Status) ([]Summary, error)
}

// CountByStatus tallies the sessions in store by status.
func CountByStatus(ctx context.Context, store Store) (map[Status]int, error) {
	list, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: count by status: %w", err)
	}
	counts := make(map[Status]int, len(Statuses))
	for _, s := range list {
		counts[s.Status]++
	}
	return counts, nil
}

func filterMessages(msgs []Message, afterSeq int64, since time.Time) []Message {
	out := make([]Message, 0)
	for _, m := range msgs {
		if m.Seq <= afterSeq {
			continue
		}
		if !since.IsZero() && !m.Timestamp.After(since) {
			continue
		}
		out = append(out, m)
	}
	return out
}
