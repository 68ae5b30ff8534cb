// Package ratelimit throttles user-originated writes (messages, escalation
// requests, new push connections) with a fixed Redis INCR + EXPIRE window
// per identifier. Admins are not rate limited.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:esc:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleUserMessage allows 10 user messages per 10 seconds per session.
	RuleUserMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleEscalate allows 5 escalation requests per minute per session.
	RuleEscalate = Rule{Key: "rl:esc:", Limit: 5, Window: 1 * time.Minute}

	// RuleConnect allows 20 push connections per minute per remote IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// ErrRateLimited is returned by callers that reject a request after Allow
// said no.
var ErrRateLimited = errors.New("rate limited")

// Checker is what the hub and the API depend on.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// WindowReporter is implemented by limiters that know when an identifier's
// window resets. The API uses it for the Retry-After header.
type WindowReporter interface {
	RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not block a user from reaching support.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis INCR/EXPIRE error key=%s: %v (failing open)", key, err)
		return true, err
	}

	return int(incr.Val()) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window for
// rule expires. It is zero when no window is open, and on Redis errors.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis PTTL error key=%s: %v", key, err)
		return 0, err
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// MemoryLimiter is a process-local fixed-window limiter for memory mode.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]window), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(rule.Window)}
	}
	w.count++
	l.windows[key] = w
	return w.count <= rule.Limit, nil
}

func (l *MemoryLimiter) RetryAfter(_ context.Context, identifier string, rule Rule) (time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[rule.Key+identifier]
	if !ok || !now.Before(w.resetAt) {
		return 0, nil
	}
	return w.resetAt.Sub(now), nil
}

// Unlimited allows everything. Used for admins and in tests.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, Rule) (bool, error) { return true, nil }
