package client

import (
	"sort"
	"sync"

	"github.com/whisper/support-desk/internal/session"
)

// Transcript is the client's view of one session, assembled from whatever
// arrives on the push channel, the poll endpoint and send acknowledgements.
// Merging is idempotent by message id, so the same message delivered by
// several paths is kept once, and the log is always ordered by store
// sequence.
type Transcript struct {
	mu        sync.Mutex
	sessionID string
	status    session.Status
	msgs      []session.Message
	byID      map[string]struct{}
	seqs      map[int64]struct{}
	cursor    int64
}

// NewTranscript creates an empty bot-handled transcript.
func NewTranscript(sessionID string) *Transcript {
	return &Transcript{
		sessionID: sessionID,
		status:    session.StatusBotHandled,
		byID:      make(map[string]struct{}),
		seqs:      make(map[int64]struct{}),
	}
}

// SessionID returns the session the transcript belongs to.
func (t *Transcript) SessionID() string { return t.sessionID }

// Merge adds msgs and returns, in log order, the ones that were not known
// before. Messages without an id or a store sequence are ignored.
func (t *Transcript) Merge(msgs ...session.Message) []session.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []session.Message
	for _, m := range msgs {
		if m.ID == "" || m.Seq <= 0 {
			continue
		}
		if _, ok := t.byID[m.ID]; ok {
			continue
		}
		t.byID[m.ID] = struct{}{}
		t.seqs[m.Seq] = struct{}{}
		t.msgs = append(t.msgs, m)
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil
	}

	sort.SliceStable(t.msgs, func(i, j int) bool { return less(t.msgs[i], t.msgs[j]) })
	sort.SliceStable(added, func(i, j int) bool { return less(added[i], added[j]) })
	for {
		if _, ok := t.seqs[t.cursor+1]; !ok {
			break
		}
		t.cursor++
	}
	return added
}

func less(a, b session.Message) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// Apply merges a full snapshot and takes its status.
func (t *Transcript) Apply(cs session.ChatSession) []session.Message {
	added := t.Merge(cs.Messages...)
	t.SetStatus(cs.Status)
	return added
}

// SetStatus records the session status. Statuses only move forward, so a
// late poll answer cannot undo a transition already seen on the push
// channel.
func (t *Transcript) SetStatus(s session.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rank(s) > rank(t.status) {
		t.status = s
	}
}

func rank(s session.Status) int {
	switch s {
	case session.StatusBotHandled:
		return 1
	case session.StatusPendingAdmin:
		return 2
	case session.StatusActive:
		return 3
	case session.StatusResolved:
		return 4
	}
	return 0
}

// Status returns the last known session status.
func (t *Transcript) Status() session.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Cursor is the end of the gap-free prefix of the log: every message with
// a sequence up to it is present. Polling after the cursor can therefore
// never skip a message that one delivery path lost, even when a later one
// already arrived on another path.
func (t *Transcript) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Len returns the number of distinct messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Messages returns a copy of the ordered log.
func (t *Transcript) Messages() []session.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]session.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Snapshot returns the transcript as a session value.
func (t *Transcript) Snapshot() session.ChatSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := make([]session.Message, len(t.msgs))
	copy(msgs, t.msgs)
	return session.ChatSession{ID: t.sessionID, Status: t.status, Messages: msgs}
}
