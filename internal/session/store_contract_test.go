package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runStoreContract exercises the behaviour every Store implementation must
// share. newStore must return an isolated or freshly namespaced store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), newSessionID())
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("EnsureCreatesLazily", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newSessionID()

		cs, created, err := s.Ensure(ctx, id, Identity{Email: "a@b.com"})
		if err != nil {
			t.Fatalf("Ensure() error: %v", err)
		}
		if !created {
			t.Error("expected created=true on first Ensure")
		}
		if cs.Status != StatusBotHandled {
			t.Errorf("expected status %q, got %q", StatusBotHandled, cs.Status)
		}

		cs, created, err = s.Ensure(ctx, id, Identity{Email: "other@b.com", UserID: "u-1"})
		if err != nil {
			t.Fatalf("Ensure() error: %v", err)
		}
		if created {
			t.Error("expected created=false on second Ensure")
		}
		if cs.UserEmail != "a@b.com" {
			t.Errorf("existing email must not be overwritten, got %q", cs.UserEmail)
		}
		if cs.UserID != "u-1" {
			t.Errorf("expected missing user id to be filled, got %q", cs.UserID)
		}
	})

	t.Run("EscalateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newSessionID()
		history := []Message{
			NewMessage(SenderUser, KindText, "I need help"),
			NewMessage(SenderBot, KindText, "Sorry, I did not understand that."),
		}

		cs, changed, err := s.Escalate(ctx, id, Identity{Email: "a@b.com"}, history, notice())
		if err != nil {
			t.Fatalf("Escalate() error: %v", err)
		}
		if !changed {
			t.Fatal("expected first escalation to change state")
		}
		if cs.Status != StatusPendingAdmin {
			t.Fatalf("expected %q, got %q", StatusPendingAdmin, cs.Status)
		}
		if len(cs.Messages) != 3 {
			t.Fatalf("expected history + notice = 3 messages, got %d", len(cs.Messages))
		}
		if cs.Messages[2].Kind != KindEscalationNotice {
			t.Errorf("expected last message to be the notice, got %q", cs.Messages[2].Kind)
		}

		cs, changed, err = s.Escalate(ctx, id, Identity{Email: "a@b.com"}, history, notice())
		if err != nil {
			t.Fatalf("second Escalate() error: %v", err)
		}
		if changed {
			t.Error("expected second escalation to be a no-op")
		}
		if got := countKind(cs.Messages, KindEscalationNotice); got != 1 {
			t.Errorf("expected exactly 1 escalation notice, got %d", got)
		}
		if len(cs.Messages) != 3 {
			t.Errorf("expected 3 messages after repeat, got %d", len(cs.Messages))
		}
	})

	t.Run("SequenceAndStateMachine", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := escalated(t, s)

		m, cs, err := s.Append(ctx, id, NewMessage(SenderUser, KindText, "hello?"), "")
		if err != nil {
			t.Fatalf("user Append() error: %v", err)
		}
		if m.Seq != 2 {
			t.Errorf("expected seq 2, got %d", m.Seq)
		}
		if cs.Status != StatusPendingAdmin {
			t.Errorf("user message must not change status, got %q", cs.Status)
		}

		m, cs, err = s.Append(ctx, id, NewMessage(SenderAdmin, KindText, "Hi, how can I help?"), "admin-1")
		if err != nil {
			t.Fatalf("admin Append() error: %v", err)
		}
		if m.Seq != 3 {
			t.Errorf("expected seq 3, got %d", m.Seq)
		}
		if cs.Status != StatusActive || cs.AssignedAdminID != "admin-1" {
			t.Errorf("expected active/admin-1, got %q/%q", cs.Status, cs.AssignedAdminID)
		}

		_, _, err = s.Append(ctx, id, NewMessage(SenderAdmin, KindText, "me too"), "admin-2")
		if !errors.Is(err, ErrStaleAssignment) {
			t.Errorf("expected ErrStaleAssignment for second admin, got %v", err)
		}

		if _, _, err := s.Resolve(ctx, id, "admin-2"); !errors.Is(err, ErrStaleAssignment) {
			t.Errorf("expected ErrStaleAssignment resolving as other admin, got %v", err)
		}
		cs, changed, err := s.Resolve(ctx, id, "admin-1")
		if err != nil || !changed {
			t.Fatalf("Resolve() = changed %v, err %v", changed, err)
		}
		if cs.Status != StatusResolved {
			t.Errorf("expected resolved, got %q", cs.Status)
		}
		if _, changed, err := s.Resolve(ctx, id, "admin-1"); err != nil || changed {
			t.Errorf("repeat Resolve() = changed %v, err %v; want no-op", changed, err)
		}

		_, _, err = s.Append(ctx, id, NewMessage(SenderUser, KindText, "one more thing"), "")
		if !errors.Is(err, ErrSessionResolved) {
			t.Errorf("expected ErrSessionResolved for user after close, got %v", err)
		}
		_, _, err = s.Append(ctx, id, NewMessage(SenderAdmin, KindText, "reopen?"), "admin-1")
		if !errors.Is(err, ErrStaleAssignment) {
			t.Errorf("expected ErrStaleAssignment for admin after close, got %v", err)
		}
		if _, _, err := s.Escalate(ctx, id, Identity{Email: "a@b.com"}, nil, notice()); !errors.Is(err, ErrSessionResolved) {
			t.Errorf("expected ErrSessionResolved re-escalating, got %v", err)
		}
	})

	t.Run("AdminOnBotHandled", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := newSessionID()
		if _, _, err := s.Ensure(ctx, id, Identity{}); err != nil {
			t.Fatalf("Ensure() error: %v", err)
		}
		_, _, err := s.Append(ctx, id, NewMessage(SenderAdmin, KindText, "hi"), "admin-1")
		if !errors.Is(err, ErrNotEscalated) {
			t.Errorf("expected ErrNotEscalated, got %v", err)
		}
		if _, _, err := s.Resolve(ctx, id, "admin-1"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("ClaimFirstWriteWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := escalated(t, s)

		cs, changed, err := s.Claim(ctx, id, "admin-1")
		if err != nil || !changed {
			t.Fatalf("Claim() = changed %v, err %v", changed, err)
		}
		if cs.Status != StatusActive || cs.AssignedAdminID != "admin-1" {
			t.Errorf("expected active/admin-1, got %q/%q", cs.Status, cs.AssignedAdminID)
		}
		if _, changed, err := s.Claim(ctx, id, "admin-1"); err != nil || changed {
			t.Errorf("repeat Claim() = changed %v, err %v; want no-op", changed, err)
		}
		if _, _, err := s.Claim(ctx, id, "admin-2"); !errors.Is(err, ErrStaleAssignment) {
			t.Errorf("expected ErrStaleAssignment, got %v", err)
		}
	})

	t.Run("AppendIsIdempotentByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := escalated(t, s)

		msg := NewMessage(SenderUser, KindText, "sent twice")
		first, _, err := s.Append(ctx, id, msg, "")
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		second, cs, err := s.Append(ctx, id, msg, "")
		if err != nil {
			t.Fatalf("repeat Append() error: %v", err)
		}
		if first.Seq != second.Seq || first.ID != second.ID {
			t.Errorf("expected the stored message back, got %+v vs %+v", first, second)
		}
		if len(cs.Messages) != 2 {
			t.Errorf("expected 2 messages (notice + one), got %d", len(cs.Messages))
		}
	})

	t.Run("MessagesAfter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := escalated(t, s)
		for i := 0; i < 3; i++ {
			if _, _, err := s.Append(ctx, id, NewMessage(SenderUser, KindText, fmt.Sprintf("m%d", i)), ""); err != nil {
				t.Fatalf("Append() error: %v", err)
			}
		}

		msgs, err := s.MessagesAfter(ctx, id, 2, time.Time{})
		if err != nil {
			t.Fatalf("MessagesAfter() error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages after seq 2, got %d", len(msgs))
		}
		if msgs[0].Seq != 3 || msgs[1].Seq != 4 {
			t.Errorf("expected seqs 3,4 got %d,%d", msgs[0].Seq, msgs[1].Seq)
		}

		msgs, err = s.MessagesAfter(ctx, id, 4, time.Time{})
		if err != nil {
			t.Fatalf("MessagesAfter() error: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("expected nothing after last seq, got %d", len(msgs))
		}

		if _, err := s.MessagesAfter(ctx, newSessionID(), 0, time.Time{}); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentAppendsKeepGaplessOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := escalated(t, s)
		if _, _, err := s.Claim(ctx, id, "admin-1"); err != nil {
			t.Fatalf("Claim() error: %v", err)
		}

		const perSide = 20
		var wg sync.WaitGroup
		errs := make(chan error, 2*perSide)
		for i := 0; i < perSide; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, _, err := s.Append(ctx, id, NewMessage(SenderUser, KindText, fmt.Sprintf("u%d", i)), "")
				errs <- err
			}(i)
			go func(i int) {
				defer wg.Done()
				_, _, err := s.Append(ctx, id, NewMessage(SenderAdmin, KindText, fmt.Sprintf("a%d", i)), "admin-1")
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent Append() error: %v", err)
			}
		}

		cs, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if len(cs.Messages) != 1+2*perSide {
			t.Fatalf("expected %d messages, got %d", 1+2*perSide, len(cs.Messages))
		}
		for i, m := range cs.Messages {
			if m.Seq != int64(i+1) {
				t.Fatalf("message %d has seq %d; log must be gapless and ordered", i, m.Seq)
			}
		}
	})

	t.Run("ListFiltersByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		pending := escalated(t, s)
		bot := newSessionID()
		if _, _, err := s.Ensure(ctx, bot, Identity{}); err != nil {
			t.Fatalf("Ensure() error: %v", err)
		}

		sums, err := s.List(ctx, StatusPendingAdmin)
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		found := false
		for _, sum := range sums {
			if sum.Status != StatusPendingAdmin {
				t.Errorf("List(pending) returned %q session", sum.Status)
			}
			if sum.ID == pending {
				found = true
				if sum.MessageCount != 1 {
					t.Errorf("expected messageCount 1, got %d", sum.MessageCount)
				}
			}
			if sum.ID == bot {
				t.Error("bot-handled session must be filtered out")
			}
		}
		if !found {
			t.Error("pending session missing from List")
		}
	})
}

func newSessionID() string {
	return "test-" + uuid.NewString()
}

func notice() Message {
	return NewMessage(SenderBot, KindEscalationNotice, "An admin will be with you shortly.")
}

// escalated creates a pending_admin session with one notice message.
func escalated(t *testing.T, s Store) string {
	t.Helper()
	id := newSessionID()
	if _, _, err := s.Escalate(context.Background(), id, Identity{Email: "a@b.com"}, nil, notice()); err != nil {
		t.Fatalf("Escalate() error: %v", err)
	}
	return id
}

func countKind(msgs []Message, k Kind) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == k {
			n++
		}
	}
	return n
}
