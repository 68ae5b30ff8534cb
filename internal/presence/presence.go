// Package presence tracks which support admins are online. An admin is
// online while their most recent heartbeat is younger than the stale
// threshold; records are refreshed, never deleted.
package presence

import (
	"context"
	"time"
)

const (
	// DefaultStaleThreshold is how long a heartbeat keeps an admin online.
	DefaultStaleThreshold = 2 * time.Minute

	// HeartbeatInterval is how often admin clients are expected to beat.
	HeartbeatInterval = 30 * time.Second

	// DefaultKey is the Redis sorted set holding admin heartbeats.
	DefaultKey = "presence:admins"
)

// Tracker is the presence surface the escalation controller, the hub and
// the admin API depend on.
type Tracker interface {
	Heartbeat(ctx context.Context, adminID string) error
	IsOnline(ctx context.Context, adminID string) (bool, error)
	IsAnyAdminOnline(ctx context.Context) (bool, error)
	Online(ctx context.Context) ([]string, error)
	LastSeen(ctx context.Context, adminID string) (time.Time, bool, error)
}

// Config configures a tracker.
type Config struct {
	Key            string
	StaleThreshold time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Key:            DefaultKey,
		StaleThreshold: DefaultStaleThreshold,
		Now:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Key == "" {
		c.Key = def.Key
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = def.StaleThreshold
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// cutoff returns the newest heartbeat time that already counts as stale.
func (c Config) cutoff() time.Time {
	return c.Now().Add(-c.StaleThreshold)
}

func fresh(last, cutoff time.Time) bool {
	return last.After(cutoff)
}
