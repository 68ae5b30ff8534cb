package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryTracker keeps heartbeats in process memory. Used with
// STORE_DRIVER=memory and in tests.
type MemoryTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
	cfg  Config
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker(cfg Config) *MemoryTracker {
	return &MemoryTracker{
		last: make(map[string]time.Time),
		cfg:  cfg.withDefaults(),
	}
}

func (t *MemoryTracker) Heartbeat(_ context.Context, adminID string) error {
	if adminID == "" {
		return fmt.Errorf("presence: heartbeat: empty admin id")
	}
	// Millisecond resolution, matching RedisTracker scores.
	now := time.UnixMilli(t.cfg.Now().UnixMilli())

	t.mu.Lock()
	t.last[adminID] = now
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) IsOnline(_ context.Context, adminID string) (bool, error) {
	t.mu.RLock()
	last, ok := t.last[adminID]
	t.mu.RUnlock()
	return ok && fresh(last, t.cfg.cutoff()), nil
}

func (t *MemoryTracker) IsAnyAdminOnline(ctx context.Context) (bool, error) {
	ids, err := t.Online(ctx)
	return len(ids) > 0, err
}

func (t *MemoryTracker) Online(_ context.Context) ([]string, error) {
	cutoff := t.cfg.cutoff()

	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.last))
	for id, last := range t.last {
		if fresh(last, cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if !t.last[ids[i]].Equal(t.last[ids[j]]) {
			return t.last[ids[i]].After(t.last[ids[j]])
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

func (t *MemoryTracker) LastSeen(_ context.Context, adminID string) (time.Time, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.last[adminID]
	return last, ok, nil
}
