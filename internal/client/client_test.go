package client

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/support-desk/internal/api"
	"github.com/whisper/support-desk/internal/escalation"
	"github.com/whisper/support-desk/internal/hub"
	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/presence"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
	"github.com/whisper/support-desk/internal/ws"
)

type stack struct {
	base  string
	srv   *ws.Server
	store *session.MemoryStore
	api   *API
}

// startStack runs the push server, hub and HTTP API on one loopback port.
func startStack(t *testing.T) *stack {
	t.Helper()
	store := session.NewMemoryStore()
	tracker := presence.NewMemoryTracker(presence.DefaultConfig())
	h := hub.New(store, tracker, ratelimit.Unlimited{}, messaging.Discard{})
	ctrl := escalation.NewController(store, tracker, h, messaging.Discard{})

	srv, err := ws.NewServer(ws.DefaultServerConfig(), ws.NewMessageDispatcher(h).Dispatch)
	require.NoError(t, err)
	srv.SetOnDisconnect(func(c *ws.Connection) { h.Disconnect(c.ID) })
	api.NewHandler(h, ctrl, store, tracker, ratelimit.Unlimited{}).Register(srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	base := "http://" + ln.Addr().String()
	return &stack{base: base, srv: srv, store: store, api: NewAPI(base, nil, "")}
}

func (s *stack) escalate(t *testing.T, id string) {
	t.Helper()
	_, err := s.api.Escalate(context.Background(), api.EscalateRequest{SessionID: id, UserEmail: "user@example.com"})
	require.NoError(t, err)
}

type recorder struct {
	mu       sync.Mutex
	messages []session.Message
	statuses []session.Status
	events   []protocol.ServerMessage
}

func (r *recorder) onMessage(m session.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *recorder) onStatus(s session.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) onEvent(m protocol.ServerMessage) {
	r.mu.Lock()
	r.events = append(r.events, m)
	r.mu.Unlock()
}

func (r *recorder) has(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.Text == text {
			return true
		}
	}
	return false
}

func (r *recorder) sawEscalation(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if req, ok := e.(protocol.EscalationRequest); ok && req.Session.ID == sessionID {
			return true
		}
	}
	return false
}

func (r *recorder) sawTriage() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if _, ok := e.(protocol.ActiveSessions); ok {
			return true
		}
	}
	return false
}

func newClient(t *testing.T, cfg Config, rec *recorder) (*Client, <-chan struct{}) {
	t.Helper()
	cfg.ReconnectBackoff = 50 * time.Millisecond
	cfg.PollInterval = 50 * time.Millisecond
	cfg.AckTimeout = time.Second
	if rec != nil {
		cfg.OnMessage = rec.onMessage
		cfg.OnStatus = rec.onStatus
		cfg.OnEvent = rec.onEvent
	}
	c, err := New(cfg)
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Run(context.Background())
	}()
	t.Cleanup(func() { _ = c.Close() })
	return c, stopped
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Role: RoleUser, SessionID: "s1"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x", Role: RoleUser})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x", Role: RoleAdmin})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestClient_PushConversation(t *testing.T) {
	s := startStack(t)
	s.escalate(t, "s1")
	ctx := context.Background()

	userRec, adminRec := &recorder{}, &recorder{}
	user, _ := newClient(t, Config{BaseURL: s.base, Role: RoleUser, SessionID: "s1"}, userRec)
	admin, _ := newClient(t, Config{BaseURL: s.base, Role: RoleAdmin, AdminID: "alice", SessionID: "s1"}, adminRec)

	require.Eventually(t, func() bool { return user.Connected() && admin.Connected() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return user.Transcript().Status() == session.StatusActive }, 2*time.Second, 10*time.Millisecond,
		"admin join should claim the session")

	sent, err := user.Send(ctx, "I was charged twice")
	require.NoError(t, err)
	assert.NotZero(t, sent.Seq)
	assert.Eventually(t, func() bool { return adminRec.has("I was charged twice") }, 2*time.Second, 10*time.Millisecond)

	_, err = admin.Send(ctx, "Refund issued")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return userRec.has("Refund issued") }, 2*time.Second, 10*time.Millisecond)

	// Both transcripts converge on the store's log.
	cs, err := s.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return user.Transcript().Len() == len(cs.Messages) && admin.Transcript().Len() == len(cs.Messages)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_FallsBackToHTTPAndPolls(t *testing.T) {
	s := startStack(t)
	s.escalate(t, "s1")
	ctx := context.Background()

	rec := &recorder{}
	// Push upgrades are blocked: the endpoint is not a websocket.
	user, _ := newClient(t, Config{BaseURL: s.base, PushURL: "ws" + s.base[len("http"):] + "/health", Role: RoleUser, SessionID: "s1"}, rec)

	sent, err := user.Send(ctx, "is anyone there?")
	require.NoError(t, err)
	assert.False(t, user.Connected())

	_, err = s.api.Respond(ctx, "s1", api.RespondRequest{Message: "Yes, I'm here", AdminID: "alice"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.has("Yes, I'm here") }, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return user.Transcript().Status() == session.StatusActive }, 2*time.Second, 20*time.Millisecond)

	n := 0
	for _, m := range user.Transcript().Messages() {
		if m.ID == sent.ID {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	s := startStack(t)
	s.escalate(t, "s1")

	user, _ := newClient(t, Config{BaseURL: s.base, Role: RoleUser, SessionID: "s1"}, nil)
	require.Eventually(t, user.Connected, 2*time.Second, 10*time.Millisecond)

	for _, c := range s.srv.Connections().All() {
		s.srv.RemoveConnection(c)
	}
	require.Eventually(t, func() bool { return !user.Connected() }, 2*time.Second, 5*time.Millisecond)

	// A message sent while the user was away arrives with the reconnect
	// snapshot or the poll, whichever is first, exactly once.
	_, err := s.api.Respond(context.Background(), "s1", api.RespondRequest{Message: "back?", AdminID: "alice"})
	require.NoError(t, err)

	require.Eventually(t, user.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		cs, err := s.store.Get(context.Background(), "s1")
		return err == nil && user.Transcript().Len() == len(cs.Messages)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_WaitsForEscalationBeforeReconnecting(t *testing.T) {
	s := startStack(t)

	user, _ := newClient(t, Config{BaseURL: s.base, Role: RoleUser, SessionID: "s2"}, nil)
	require.Eventually(t, user.Connected, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, session.StatusBotHandled, user.Transcript().Status())

	for _, c := range s.srv.Connections().All() {
		s.srv.RemoveConnection(c)
	}
	require.Eventually(t, func() bool { return !user.Connected() }, 2*time.Second, 5*time.Millisecond)

	// Several backoff periods pass without a redial.
	assert.Never(t, user.Connected, 400*time.Millisecond, 20*time.Millisecond)
	assert.Empty(t, s.srv.Connections().All())

	s.escalate(t, "s2")
	require.Eventually(t, func() bool { return user.Transcript().Status().Escalated() }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, user.Connected, 2*time.Second, 10*time.Millisecond)
}

func TestClient_StopsWhenResolved(t *testing.T) {
	s := startStack(t)
	s.escalate(t, "s1")
	ctx := context.Background()
	cache := NewCache(filepath.Join(t.TempDir(), "session.yaml"))

	rec := &recorder{}
	user, stopped := newClient(t, Config{BaseURL: s.base, Role: RoleUser, SessionID: "s1", Cache: cache}, rec)
	require.Eventually(t, user.Connected, 2*time.Second, 10*time.Millisecond)

	_, err := s.api.Respond(ctx, "s1", api.RespondRequest{Message: "Done here", AdminID: "alice"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.has("Done here") }, 2*time.Second, 10*time.Millisecond)

	cached, err := cache.Load()
	require.NoError(t, err)
	require.NotNil(t, cached, "transcript should be cached while the session is open")

	_, err = s.api.CloseSession(ctx, "s1", "alice")
	require.NoError(t, err)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the session was resolved")
	}
	assert.Equal(t, session.StatusResolved, user.Transcript().Status())
	assert.False(t, user.Connected())

	cached, err = cache.Load()
	require.NoError(t, err)
	assert.Nil(t, cached, "cache is dropped once resolved")

	_, err = user.Send(ctx, "one more")
	assert.ErrorIs(t, err, session.ErrSessionResolved)
}

func TestClient_AdminFeedSeesEscalations(t *testing.T) {
	s := startStack(t)
	rec := &recorder{}
	newClient(t, Config{BaseURL: s.base, Role: RoleAdmin, AdminID: "alice"}, rec)
	require.Eventually(t, rec.sawTriage, 2*time.Second, 10*time.Millisecond, "join was not answered")

	s.escalate(t, "s-new")
	assert.Eventually(t, func() bool { return rec.sawEscalation("s-new") }, 2*time.Second, 10*time.Millisecond)

	online, err := s.api.OnlineAdmins(context.Background())
	require.NoError(t, err)
	assert.Contains(t, online, "alice")
}

func TestClient_ServerRejectionIsNotRetried(t *testing.T) {
	s := startStack(t)
	s.escalate(t, "s1")
	_, err := s.api.Respond(context.Background(), "s1", api.RespondRequest{Message: "mine", AdminID: "alice"})
	require.NoError(t, err)

	bob, _ := newClient(t, Config{BaseURL: s.base, Role: RoleAdmin, AdminID: "bob", SessionID: "s1"}, nil)
	require.Eventually(t, bob.Connected, 2*time.Second, 10*time.Millisecond)

	_, err = bob.Send(context.Background(), "let me take this")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, session.ErrStaleAssignment)
	assert.False(t, errors.Is(err, ErrNotDelivered))
}

func TestClient_NotDeliveredWhenBothPathsFail(t *testing.T) {
	dead := httptest.NewServer(nil)
	base := dead.URL
	dead.Close()

	c, err := New(Config{BaseURL: base, Role: RoleUser, SessionID: "s1", AckTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "hello?")
	assert.ErrorIs(t, err, ErrNotDelivered)
	require.NoError(t, c.Close())
}
