package loadtest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/client"
	"github.com/whisper/support-desk/internal/session"
)

// Config describes one load run.
type Config struct {
	BaseURL       string
	Conversations int           // total conversations to run
	Concurrency   int           // conversations in flight at once
	Messages      int           // user/admin exchanges per conversation
	Interval      time.Duration // pause between exchanges
	Timeout       time.Duration // per-delivery wait

	// ClientOptions is applied to every client config, e.g. to shorten
	// reconnect and poll timings.
	ClientOptions func(*client.Config)
}

func (c Config) withDefaults() Config {
	if c.Conversations <= 0 {
		c.Conversations = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.Messages <= 0 {
		c.Messages = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Run drives cfg.Conversations full conversations: escalate, exchange
// messages between a user client and an admin client, close. It returns
// when all have finished or ctx is done.
func Run(ctx context.Context, cfg Config, col *Collector) {
	cfg = cfg.withDefaults()
	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Conversations; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := converse(ctx, cfg, n, col); err != nil {
				col.AddError()
				log.Printf("[loadtest] conversation %d: %v", n, err)
				return
			}
			col.AddConversation()
		}(i)
	}
	wg.Wait()
}

// inbox collects message texts seen by one client.
type inbox chan string

func (in inbox) put(m session.Message) {
	select {
	case in <- m.Text:
	default:
	}
}

func (in inbox) waitFor(ctx context.Context, text string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-in:
			if got == text {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("%q not delivered within %s", text, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func converse(ctx context.Context, cfg Config, n int, col *Collector) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	sid := id.String()
	adminID := fmt.Sprintf("load-admin-%d", n)

	start := time.Now()
	a := client.NewAPI(cfg.BaseURL, nil, "")
	if _, err := a.Escalate(ctx, api.EscalateRequest{SessionID: sid, UserEmail: fmt.Sprintf("load+%d@example.com", n)}); err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	col.AddEscalate(time.Since(start))

	userIn := make(inbox, 4*cfg.Messages+16)
	adminIn := make(inbox, 4*cfg.Messages+16)

	userCfg := client.Config{BaseURL: cfg.BaseURL, SessionID: sid, Role: client.RoleUser, OnMessage: userIn.put}
	adminCfg := client.Config{BaseURL: cfg.BaseURL, SessionID: sid, Role: client.RoleAdmin, AdminID: adminID, OnMessage: adminIn.put}
	if cfg.ClientOptions != nil {
		cfg.ClientOptions(&userCfg)
		cfg.ClientOptions(&adminCfg)
	}
	user, err := client.New(userCfg)
	if err != nil {
		return err
	}
	admin, err := client.New(adminCfg)
	if err != nil {
		return err
	}

	userDone := make(chan struct{})
	go func() {
		defer close(userDone)
		_ = user.Run(ctx)
	}()
	go func() { _ = admin.Run(ctx) }()
	defer user.Close()
	defer admin.Close()

	for k := 0; k < cfg.Messages; k++ {
		question := fmt.Sprintf("question %d from %s", k, sid)
		sent := time.Now()
		if _, err := user.Send(ctx, question); err != nil {
			return fmt.Errorf("user send: %w", err)
		}
		if err := adminIn.waitFor(ctx, question, cfg.Timeout); err != nil {
			return fmt.Errorf("admin receive: %w", err)
		}
		col.AddUserToAdmin(time.Since(sent))

		answer := fmt.Sprintf("answer %d for %s", k, sid)
		sent = time.Now()
		if _, err := admin.Send(ctx, answer); err != nil {
			return fmt.Errorf("admin send: %w", err)
		}
		if err := userIn.waitFor(ctx, answer, cfg.Timeout); err != nil {
			return fmt.Errorf("user receive: %w", err)
		}
		col.AddAdminToUser(time.Since(sent))

		if cfg.Interval > 0 && k < cfg.Messages-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
	}

	if _, err := a.CloseSession(ctx, sid, adminID); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	select {
	case <-userDone:
	case <-time.After(cfg.Timeout):
		return errors.New("user client did not observe resolution")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
