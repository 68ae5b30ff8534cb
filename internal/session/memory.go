package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It backs STORE_DRIVER=memory and the
// tests of every package that needs a store; its semantics match
// PostgresStore exactly.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*ChatSession
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*ChatSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cs.Clone(), nil
}

func (s *MemoryStore) Ensure(_ context.Context, id string, identity Identity) (*ChatSession, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session: ensure: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, created := s.getOrCreate(id)
	mergeIdentity(cs, identity)
	return cs.Clone(), created, nil
}

func (s *MemoryStore) Escalate(_ context.Context, id string, identity Identity, history []Message, notice Message) (*ChatSession, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("session: escalate: empty session id")
	}
	if err := validateEscalation(history, notice); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, _ := s.getOrCreate(id)
	changed, err := planEscalate(cs.Status)
	if err != nil {
		return cs.Clone(), false, err
	}
	mergeIdentity(cs, identity)
	if !changed {
		return cs.Clone(), false, nil
	}

	if len(cs.Messages) == 0 {
		for _, m := range history {
			s.appendLocked(cs, m)
		}
	}
	cs.Status = StatusPendingAdmin
	s.appendLocked(cs, notice)
	return cs.Clone(), true, nil
}

func (s *MemoryStore) Append(_ context.Context, id string, msg Message, adminID string) (Message, *ChatSession, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, nil, fmt.Errorf("session: append: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return Message{}, nil, ErrSessionNotFound
	}
	if msg.ID != "" {
		for _, existing := range cs.Messages {
			if existing.ID == msg.ID {
				return existing, cs.Clone(), nil
			}
		}
	}

	status, assignee, err := planAppend(cs, msg.Sender, adminID)
	if err != nil {
		return Message{}, cs.Clone(), err
	}
	cs.Status = status
	cs.AssignedAdminID = assignee
	stored := s.appendLocked(cs, msg)
	return stored, cs.Clone(), nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, adminID string) (*ChatSession, bool, error) {
	if adminID == "" {
		return nil, false, fmt.Errorf("%w: admin id is required", ErrInvalidMessage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	status, assignee, changed, err := planClaim(cs, adminID)
	if err != nil {
		return cs.Clone(), false, err
	}
	if changed {
		cs.Status = status
		cs.AssignedAdminID = assignee
		cs.LastActivityAt = s.now()
	}
	return cs.Clone(), changed, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, adminID string) (*ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	changed, err := planResolve(cs, adminID)
	if err != nil {
		return cs.Clone(), false, err
	}
	if changed {
		cs.Status = StatusResolved
		cs.LastActivityAt = s.now()
	}
	return cs.Clone(), changed, nil
}

func (s *MemoryStore) MessagesAfter(_ context.Context, id string, afterSeq int64, since time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return filterMessages(cs.Messages, afterSeq, since), nil
}

func (s *MemoryStore) List(_ context.Context, statuses ...Status) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	out := make([]Summary, 0, len(s.sessions))
	for _, cs := range s.sessions {
		if len(want) > 0 && !want[cs.Status] {
			continue
		}
		out = append(out, Summarize(cs))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// getOrCreate must be called with s.mu held.
func (s *MemoryStore) getOrCreate(id string) (*ChatSession, bool) {
	if cs, ok := s.sessions[id]; ok {
		return cs, false
	}
	now := s.now()
	cs := &ChatSession{
		ID:             id,
		Status:         StatusBotHandled,
		Messages:       []Message{},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.sessions[id] = cs
	return cs, true
}

// appendLocked sequences m onto cs. Must be called with s.mu held.
func (s *MemoryStore) appendLocked(cs *ChatSession, m Message) Message {
	now := s.now()
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.SessionID = cs.ID
	m.Seq = cs.LastSeq() + 1
	cs.Messages = append(cs.Messages, m)
	cs.LastActivityAt = now
	return m
}
