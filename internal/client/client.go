// Package client is the Client Delivery Reconciler: it keeps one session's
// transcript consistent while messages arrive over the push channel, the
// poll endpoint and send acknowledgements, possibly more than once and in
// any order. It holds the push connection open, reconnects after drops,
// polls while push is down and falls back to HTTP for sends.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/presence"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/session"
)

// Role selects which side of a session the client plays.
type Role int

const (
	RoleUser Role = iota + 1
	RoleAdmin
)

const (
	DefaultReconnectBackoff = 3 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultAckTimeout       = 5 * time.Second
)

var (
	// ErrTransportUnavailable is returned by the push path when there is no
	// live connection or the server did not acknowledge in time.
	ErrTransportUnavailable = errors.New("client: push transport unavailable")

	// ErrNotDelivered is returned by Send when neither push nor HTTP
	// accepted the message. Retrying with the same message is safe.
	ErrNotDelivered = errors.New("client: message not delivered")
)

// Config configures a Client.
type Config struct {
	BaseURL   string // HTTP base, e.g. http://localhost:8080
	PushURL   string // defaults to BaseURL with a ws scheme and /ws
	SessionID string // required for users; optional focus for admins
	Role      Role
	AdminID   string
	UserID    string
	UserEmail string

	ReconnectBackoff time.Duration
	PollInterval     time.Duration
	AckTimeout       time.Duration
	HTTPClient       *http.Client
	Cache            *Cache

	// Callbacks run on the client's goroutines and must not block.
	OnMessage func(session.Message)
	OnStatus  func(session.Status)
	OnEvent   func(protocol.ServerMessage) // triage frames and unsolicited errors
}

type sendResult struct {
	msg    session.Message
	status session.Status
	err    error
}

type waiter struct {
	id string
	ch chan sendResult
}

// Client reconciles one session across both delivery paths.
type Client struct {
	cfg        Config
	api        *API
	transcript *Transcript

	mu      sync.Mutex
	push    *pushConn
	waiters []*waiter
	cancel  context.CancelFunc
	done    chan struct{}

	statusChanged chan struct{}

	wg sync.WaitGroup
}

// New creates a Client. Run starts it.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	switch cfg.Role {
	case RoleUser:
		if cfg.SessionID == "" {
			return nil, errors.New("client: user clients need a session id")
		}
	case RoleAdmin:
		if cfg.AdminID == "" {
			return nil, errors.New("client: admin clients need an admin id")
		}
	default:
		return nil, fmt.Errorf("client: unknown role %d", cfg.Role)
	}
	if cfg.PushURL == "" {
		cfg.PushURL = pushURL(cfg.BaseURL)
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	c := &Client{
		cfg:        cfg,
		api:        NewAPI(cfg.BaseURL, cfg.HTTPClient, cfg.UserID),
		transcript: NewTranscript(cfg.SessionID),
		done:       make(chan struct{}),

		statusChanged: make(chan struct{}, 1),
	}

	if cfg.Cache != nil && cfg.SessionID != "" {
		cached, err := cfg.Cache.Load()
		if err != nil {
			log.Printf("[client] ignoring cache: %v", err)
		} else if cached != nil && cached.ID == cfg.SessionID {
			c.transcript.Apply(*cached)
		}
	}
	return c, nil
}

// API returns the client's HTTP API handle.
func (c *Client) API() *API { return c.api }

// Transcript returns the reconciled transcript.
func (c *Client) Transcript() *Transcript { return c.transcript }

// Connected reports whether the push channel is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.push != nil
}

// Run keeps the push channel up until ctx is cancelled, Close is called or
// the session is resolved. While push is down it polls. A user client whose
// session is still bot-handled does not redial until polling reports the
// escalation. Run may be called once.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("client: already running")
	}
	c.cancel = cancel
	c.mu.Unlock()
	defer close(c.done)
	defer cancel()

	if c.cfg.SessionID != "" {
		c.wg.Add(1)
		go c.pollLoop(ctx)
	}
	if c.cfg.Role == RoleAdmin {
		c.wg.Add(1)
		go c.heartbeatLoop(ctx)
	}

	for !c.finished(ctx) {
		err := c.runPush(ctx)
		if c.finished(ctx) {
			break
		}
		if !c.mayReconnect() {
			log.Printf("[client] push channel down: %v; waiting for escalation before reconnecting", err)
			c.awaitEscalation(ctx)
			continue
		}
		log.Printf("[client] push channel down: %v; reconnecting in %s", err, c.cfg.ReconnectBackoff)

		timer := time.NewTimer(c.cfg.ReconnectBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	cancel()
	c.wg.Wait()
	return nil
}

// Close stops Run and waits for every goroutine it started.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-c.done
	return nil
}

func (c *Client) finished(ctx context.Context) bool {
	return ctx.Err() != nil || c.transcript.Status() == session.StatusResolved
}

// mayReconnect reports whether a dropped push channel is worth redialing.
// Users of a bot-handled session have nobody to talk to over push yet.
func (c *Client) mayReconnect() bool {
	return c.cfg.Role == RoleAdmin || c.transcript.Status().Escalated()
}

// awaitEscalation blocks until polling moves the session into human-handled
// mode, the session is resolved or ctx ends.
func (c *Client) awaitEscalation(ctx context.Context) {
	for !c.mayReconnect() && !c.finished(ctx) {
		select {
		case <-ctx.Done():
		case <-c.statusChanged:
		}
	}
}

// runPush dials, joins and reads until the connection ends.
func (c *Client) runPush(ctx context.Context) error {
	p, err := dialPush(ctx, c.cfg.PushURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, p.close)
	defer stop()
	defer c.dropPush(p)

	if err := p.send(c.joinMessage()); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	c.mu.Lock()
	c.push = p
	c.mu.Unlock()

	for {
		data, err := p.read()
		if err != nil {
			return err
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[client] dropping frame: %v", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) joinMessage() protocol.ClientMessage {
	if c.cfg.Role == RoleAdmin {
		return protocol.JoinAdminSession{AdminID: c.cfg.AdminID, SessionID: c.cfg.SessionID}
	}
	return protocol.JoinUserSession{SessionID: c.cfg.SessionID}
}

// dropPush forgets p and fails every send waiting on it, so those sends
// fall back to HTTP at once.
func (c *Client) dropPush(p *pushConn) {
	p.close()
	c.mu.Lock()
	if c.push == p {
		c.push = nil
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w.ch <- sendResult{err: ErrTransportUnavailable}
	}
}

// handle applies one server frame. Frames for other sessions only reach
// admin clients through OnEvent.
func (c *Client) handle(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.Connected, protocol.Pong:
	case protocol.SessionData:
		if c.ours(m.Session.ID) {
			c.ingest(m.Session.Messages...)
			c.setStatus(m.Session.Status)
		} else {
			c.event(m)
		}
	case protocol.NewUserMessage:
		c.route(m, m.Message)
	case protocol.AdminReply:
		c.route(m, m.Message)
	case protocol.MessageSent:
		if c.ours(m.Message.SessionID) {
			c.ingest(m.Message)
			c.setStatus(m.Status)
		}
		c.resolveWaiter(m.Message.ID, sendResult{msg: m.Message, status: m.Status})
	case protocol.Error:
		if !c.failOldestWaiter(&RemoteError{Code: m.Code, Message: m.Message}) {
			log.Printf("[client] server error %s: %s", m.Code, m.Message)
			c.event(m)
		}
	case protocol.ActiveSessions, protocol.EscalationRequest:
		c.event(m)
	}
}

func (c *Client) route(frame protocol.ServerMessage, m session.Message) {
	if c.ours(m.SessionID) {
		c.ingest(m)
		return
	}
	c.event(frame)
}

func (c *Client) ours(sessionID string) bool {
	return c.cfg.SessionID != "" && sessionID == c.cfg.SessionID
}

func (c *Client) event(m protocol.ServerMessage) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(m)
	}
}

func (c *Client) ingest(msgs ...session.Message) {
	added := c.transcript.Merge(msgs...)
	if len(added) == 0 {
		return
	}
	if c.cfg.OnMessage != nil {
		for _, m := range added {
			c.cfg.OnMessage(m)
		}
	}
	c.saveCache()
}

func (c *Client) setStatus(s session.Status) {
	prev := c.transcript.Status()
	c.transcript.SetStatus(s)
	now := c.transcript.Status()
	if now == prev {
		return
	}
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(now)
	}
	select {
	case c.statusChanged <- struct{}{}:
	default:
	}
	if now != session.StatusResolved {
		c.saveCache()
		return
	}

	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Clear(); err != nil {
			log.Printf("[client] %v", err)
		}
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) saveCache() {
	if c.cfg.Cache == nil || c.cfg.SessionID == "" || c.transcript.Status() == session.StatusResolved {
		return
	}
	if err := c.cfg.Cache.Save(c.transcript.Snapshot()); err != nil {
		log.Printf("[client] %v", err)
	}
}

// pollLoop pulls missed messages while the push channel is down.
func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Connected() {
				c.PollOnce(ctx)
			}
		}
	}
}

// PollOnce fetches messages after the transcript cursor and merges them.
func (c *Client) PollOnce(ctx context.Context) {
	res, err := c.api.Poll(ctx, c.cfg.SessionID, c.transcript.Cursor())
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return
	case err != nil:
		if ctx.Err() == nil {
			log.Printf("[client] poll session=%s: %v", c.cfg.SessionID, err)
		}
		return
	}
	c.ingest(res.Messages...)
	c.setStatus(res.Status)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(presence.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := c.api.Heartbeat(ctx, c.cfg.AdminID); err != nil && ctx.Err() == nil {
			log.Printf("[client] heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Send delivers text to the other side. It tries the push channel first
// and falls back to HTTP with the same message id, so a message that
// reached the server on both paths is stored once. A RemoteError means the
// server rejected the message; ErrNotDelivered means neither path reached
// it.
func (c *Client) Send(ctx context.Context, text string) (session.Message, error) {
	if c.cfg.SessionID == "" {
		return session.Message{}, errors.New("client: no session to send to")
	}
	if err := session.ValidateText(text); err != nil {
		return session.Message{}, fmt.Errorf("client: %w", err)
	}
	if c.transcript.Status() == session.StatusResolved {
		return session.Message{}, fmt.Errorf("client: %w", session.ErrSessionResolved)
	}
	id := session.NewMessageID()

	res, pushErr := c.sendPush(ctx, id, text)
	if pushErr == nil {
		return res.msg, nil
	}
	var re *RemoteError
	if errors.As(pushErr, &re) && re.final() {
		return session.Message{}, re
	}

	res, httpErr := c.sendHTTP(ctx, id, text)
	if httpErr == nil {
		c.ingest(res.msg)
		c.setStatus(res.status)
		return res.msg, nil
	}
	if errors.As(httpErr, &re) && re.final() {
		return session.Message{}, re
	}
	return session.Message{}, fmt.Errorf("%w: push: %v; http: %v", ErrNotDelivered, pushErr, httpErr)
}

func (c *Client) sendPush(ctx context.Context, id, text string) (sendResult, error) {
	w := &waiter{id: id, ch: make(chan sendResult, 1)}

	c.mu.Lock()
	p := c.push
	if p == nil {
		c.mu.Unlock()
		return sendResult{}, ErrTransportUnavailable
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	var msg protocol.ClientMessage = protocol.UserMessage{SessionID: c.cfg.SessionID, Text: text, ID: id}
	if c.cfg.Role == RoleAdmin {
		msg = protocol.AdminMessage{SessionID: c.cfg.SessionID, AdminID: c.cfg.AdminID, Text: text, ID: id}
	}
	if err := p.send(msg); err != nil {
		c.removeWaiter(w)
		return sendResult{}, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-w.ch:
		return res, res.err
	case <-timer.C:
		c.removeWaiter(w)
		return sendResult{}, fmt.Errorf("%w: no acknowledgement", ErrTransportUnavailable)
	case <-ctx.Done():
		c.removeWaiter(w)
		return sendResult{}, ctx.Err()
	}
}

func (c *Client) sendHTTP(ctx context.Context, id, text string) (sendResult, error) {
	var (
		resp api.MessageResponse
		err  error
	)
	if c.cfg.Role == RoleAdmin {
		resp, err = c.api.Respond(ctx, c.cfg.SessionID, api.RespondRequest{Message: text, AdminID: c.cfg.AdminID, ID: id})
	} else {
		resp, err = c.api.SendToAdmin(ctx, api.SendRequest{SessionID: c.cfg.SessionID, Message: text, UserEmail: c.cfg.UserEmail, ID: id})
	}
	if err != nil {
		return sendResult{}, err
	}
	return sendResult{msg: resp.Message, status: resp.Status}, nil
}

func (c *Client) resolveWaiter(id string, res sendResult) {
	c.mu.Lock()
	var w *waiter
	for i, cand := range c.waiters {
		if cand.id == id {
			w = cand
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if w != nil {
		w.ch <- res
	}
}

// failOldestWaiter hands an error frame to the earliest outstanding send.
// The server answers a connection's frames in order, so that is the send
// the error belongs to.
func (c *Client) failOldestWaiter(err error) bool {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return false
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	w.ch <- sendResult{err: err}
	return true
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cand := range c.waiters {
		if cand == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
