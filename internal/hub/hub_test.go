package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
)

type fakeConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ConnID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) messages(t *testing.T) []protocol.ServerMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ServerMessage, 0, len(c.frames))
	for _, f := range c.frames {
		msg, err := protocol.ParseServerMessage(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) last(t *testing.T) protocol.ServerMessage {
	t.Helper()
	msgs := c.messages(t)
	require.NotEmpty(t, msgs, "conn %s received nothing", c.id)
	return msgs[len(msgs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// stallConn accepts writes until block is set, then holds the first writer
// until release is closed.
type stallConn struct {
	id      string
	block   atomic.Bool
	stalled chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallConn(id string) *stallConn {
	return &stallConn{id: id, stalled: make(chan struct{}), release: make(chan struct{})}
}

func (c *stallConn) ConnID() string { return c.id }

func (c *stallConn) WriteMessage([]byte) error {
	if !c.block.Load() {
		return nil
	}
	c.once.Do(func() { close(c.stalled) })
	<-c.release
	return nil
}

type fakePresence struct {
	beats chan string
}

func (p *fakePresence) Heartbeat(_ context.Context, adminID string) error {
	p.beats <- adminID
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.SessionEvent
}

func (p *recordingPublisher) PublishEscalation(messaging.EscalationEvent) error { return nil }

func (p *recordingPublisher) PublishSession(ev messaging.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type fixture struct {
	hub       *Hub
	store     *session.MemoryStore
	presence  *fakePresence
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     session.NewMemoryStore(),
		presence:  &fakePresence{beats: make(chan string, 16)},
		publisher: &recordingPublisher{},
	}
	f.hub = New(f.store, f.presence, ratelimit.Unlimited{}, f.publisher)
	return f
}

func (f *fixture) escalate(t *testing.T, id string) {
	t.Helper()
	notice := session.NewMessage(session.SenderBot, session.KindEscalationNotice, "connecting you")
	_, changed, err := f.store.Escalate(context.Background(), id, session.Identity{Email: "user@example.com"}, nil, notice)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestJoinUserSession_UnknownSessionIsEmptyBotHandled(t *testing.T) {
	f := newFixture(t)
	user := newConn("u1")

	f.hub.JoinUserSession(user, protocol.JoinUserSession{SessionID: "s-new"})

	data, ok := user.last(t).(protocol.SessionData)
	require.True(t, ok)
	assert.Equal(t, "s-new", data.Session.ID)
	assert.Equal(t, session.StatusBotHandled, data.Session.Status)
	assert.Empty(t, data.Session.Messages)
}

func TestUserMessage_PersistsThenForwardsToFocusedAdmin(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	user, admin := newConn("u1"), newConn("a1")

	f.hub.JoinAdminSession(admin, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})
	f.hub.JoinUserSession(user, protocol.JoinUserSession{SessionID: "s1"})
	admin.reset()
	user.reset()

	f.hub.UserMessage(user, protocol.UserMessage{SessionID: "s1", Text: "my card was charged twice", ID: session.NewMessageID()})

	ack, ok := user.last(t).(protocol.MessageSent)
	require.True(t, ok, "user should get message_sent")
	assert.Equal(t, session.StatusActive, ack.Status)

	fwd, ok := admin.last(t).(protocol.NewUserMessage)
	require.True(t, ok, "admin should get new_user_message")
	assert.Equal(t, ack.Message.ID, fwd.Message.ID)

	cs, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, ack.Message.ID, cs.Messages[len(cs.Messages)-1].ID)
	assert.Contains(t, f.publisher.types(), messaging.EventMessage)
}

func TestUserMessage_AssignedAdminFeedWhenNotFocused(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	_, _, err := f.store.Claim(context.Background(), "s1", "alice")
	require.NoError(t, err)

	feed := newConn("a1")
	f.hub.JoinAdminSession(feed, protocol.JoinAdminSession{AdminID: "alice"})
	feed.reset()

	_, _, err = f.hub.PostUserMessage(context.Background(), Post{SessionID: "s1", Text: "hello?"}, PathHTTP)
	require.NoError(t, err)

	_, ok := feed.last(t).(protocol.NewUserMessage)
	assert.True(t, ok)
}

func TestPoll_QueuedMessagesWithCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escalate(t, "s1")

	first, _, err := f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: "anyone there?"}, PathHTTP)
	require.NoError(t, err)

	res, err := f.hub.Poll(ctx, "s1", 0, time.Time{})
	require.NoError(t, err)
	require.True(t, res.HasNew())
	assert.Equal(t, session.StatusPendingAdmin, res.Status)
	assert.Equal(t, first.Seq, res.LastSeq)
	assert.Equal(t, first.ID, res.Messages[len(res.Messages)-1].ID)

	res, err = f.hub.Poll(ctx, "s1", res.LastSeq, time.Time{})
	require.NoError(t, err)
	assert.False(t, res.HasNew())
	assert.Equal(t, first.Seq, res.LastSeq)

	_, _, err = f.hub.PostAdminMessage(ctx, Post{SessionID: "s1", AdminID: "alice", Text: "I'm here"}, PathHTTP)
	require.NoError(t, err)

	res, err = f.hub.Poll(ctx, "s1", res.LastSeq, time.Time{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, session.SenderAdmin, res.Messages[0].Sender)
	assert.Equal(t, session.StatusActive, res.Status)
}

func TestPoll_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.hub.Poll(context.Background(), "missing", 0, time.Time{})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAdminMessage_ClaimsAndForwardsToUser(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	user, admin := newConn("u1"), newConn("a1")
	f.hub.JoinUserSession(user, protocol.JoinUserSession{SessionID: "s1"})
	user.reset()

	f.hub.AdminMessage(admin, protocol.AdminMessage{SessionID: "s1", AdminID: "alice", Text: "Hi, I can help"})

	ack, ok := admin.last(t).(protocol.MessageSent)
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, ack.Status)

	got := user.messages(t)
	require.Len(t, got, 2)
	claimed, ok := got[0].(protocol.SessionData)
	require.True(t, ok, "user should learn the session was picked up")
	assert.Equal(t, "alice", claimed.Session.AssignedAdminID)
	reply, ok := got[1].(protocol.AdminReply)
	require.True(t, ok)
	assert.Equal(t, ack.Message.ID, reply.Message.ID)

	assert.Equal(t, []string{messaging.EventClaimed, messaging.EventMessage}, f.publisher.types())
}

func TestAdminMessage_BotHandledSessionRejected(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.Ensure(context.Background(), "s1", session.Identity{UserID: "u"})
	require.NoError(t, err)

	admin := newConn("a1")
	f.hub.AdminMessage(admin, protocol.AdminMessage{SessionID: "s1", AdminID: "alice", Text: "hi"})

	e, ok := admin.last(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNotEscalated, e.Code)
}

func TestJoinAdminSession_StaleAssignmentGetsReadOnlySnapshot(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	alice, bob := newConn("a1"), newConn("b1")

	f.hub.JoinAdminSession(alice, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})
	data, ok := alice.last(t).(protocol.SessionData)
	require.True(t, ok)
	assert.False(t, data.ReadOnly)
	assert.Equal(t, session.StatusActive, data.Session.Status)

	f.hub.JoinAdminSession(bob, protocol.JoinAdminSession{AdminID: "bob", SessionID: "s1"})
	got := bob.messages(t)
	require.Len(t, got, 3)
	assert.IsType(t, protocol.ActiveSessions{}, got[0])
	e, ok := got[1].(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeStaleAssignment, e.Code)
	ro, ok := got[2].(protocol.SessionData)
	require.True(t, ok)
	assert.True(t, ro.ReadOnly)
	assert.Equal(t, "alice", ro.Session.AssignedAdminID)

	_, _, err := f.hub.PostAdminMessage(context.Background(), Post{SessionID: "s1", AdminID: "bob", Text: "me too"}, PathHTTP)
	assert.ErrorIs(t, err, session.ErrStaleAssignment)
}

func TestJoinAdminSession_ListsOpenSessionsAndHeartbeats(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	_, _, err := f.store.Ensure(context.Background(), "bot-only", session.Identity{UserID: "u"})
	require.NoError(t, err)

	admin := newConn("a1")
	f.hub.JoinAdminSession(admin, protocol.JoinAdminSession{AdminID: "alice"})

	list, ok := admin.last(t).(protocol.ActiveSessions)
	require.True(t, ok)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "s1", list.Sessions[0].ID)

	select {
	case id := <-f.presence.beats:
		assert.Equal(t, "alice", id)
	case <-time.After(time.Second):
		t.Fatal("admin join did not record a heartbeat")
	}
}

func TestCloseSession_PushesFinalSnapshotToBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escalate(t, "s1")
	user, admin := newConn("u1"), newConn("a1")
	f.hub.JoinUserSession(user, protocol.JoinUserSession{SessionID: "s1"})
	f.hub.JoinAdminSession(admin, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})

	cs, err := f.hub.CloseSession(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusResolved, cs.Status)

	for _, c := range []*fakeConn{user, admin} {
		data, ok := c.last(t).(protocol.SessionData)
		require.True(t, ok, "conn %s", c.id)
		assert.Equal(t, session.StatusResolved, data.Session.Status)
	}

	_, _, err = f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: "wait"}, PathHTTP)
	assert.ErrorIs(t, err, session.ErrSessionResolved)

	again, err := f.hub.CloseSession(ctx, "s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, session.StatusResolved, again.Status)

	_, err = f.hub.CloseSession(ctx, "s1", "bob")
	assert.ErrorIs(t, err, session.ErrStaleAssignment)
	assert.Contains(t, f.publisher.types(), messaging.EventResolved)
}

func TestCloseSession_PendingIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	_, err := f.hub.CloseSession(context.Background(), "s1", "alice")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestForwardFailureDoesNotFailTheSender(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	admin := newConn("a1")
	f.hub.JoinAdminSession(admin, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})
	admin.fail = true

	m, _, err := f.hub.PostUserMessage(context.Background(), Post{SessionID: "s1", Text: "still there?"}, PathPush)
	require.NoError(t, err)

	res, err := f.hub.Poll(context.Background(), "s1", m.Seq-1, time.Time{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, m.ID, res.Messages[0].ID)
}

func TestPostUserMessage_IdempotentByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escalate(t, "s1")
	id := session.NewMessageID()

	first, _, err := f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: "retry me", ID: id}, PathPush)
	require.NoError(t, err)
	second, _, err := f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: "retry me", ID: id}, PathHTTP)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cs, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, cs.Messages, 2) // notice + one user message
}

func TestPostUserMessage_RecordsMissingEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.Ensure(ctx, "s1", session.Identity{UserID: "u-1"})
	require.NoError(t, err)

	_, cs, err := f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: "hi", UserEmail: "u@example.com"}, PathHTTP)
	require.NoError(t, err)
	assert.Equal(t, "u@example.com", cs.UserEmail)
}

func TestPostUserMessage_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.hub.PostUserMessage(ctx, Post{SessionID: "missing", Text: "hi"}, PathHTTP)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	f.escalate(t, "s1")
	_, _, err = f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: ""}, PathHTTP)
	assert.ErrorIs(t, err, session.ErrInvalidMessage)

	limited := New(f.store, f.presence, denyAll{}, f.publisher)
	_, _, err = limited.PostUserMessage(ctx, Post{SessionID: "s1", Text: "hi"}, PathHTTP)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)

	user := newConn("u1")
	limited.UserMessage(user, protocol.UserMessage{SessionID: "s1", Text: "hi"})
	e, ok := user.last(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeRateLimited, e.Code)
}

func TestBroadcastEscalation_ReachesEveryAdminFeed(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	a, b, user, broken := newConn("a"), newConn("b"), newConn("u"), newConn("x")
	f.hub.JoinAdminSession(a, protocol.JoinAdminSession{AdminID: "alice"})
	f.hub.JoinAdminSession(b, protocol.JoinAdminSession{AdminID: "bob"})
	f.hub.JoinAdminSession(broken, protocol.JoinAdminSession{AdminID: "carol"})
	f.hub.JoinUserSession(user, protocol.JoinUserSession{SessionID: "s1"})
	user.reset()
	broken.fail = true

	cs, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	n := f.hub.BroadcastEscalation(context.Background(), cs, cs.Messages[len(cs.Messages)-1])
	assert.Equal(t, 2, n)

	for _, c := range []*fakeConn{a, b} {
		req, ok := c.last(t).(protocol.EscalationRequest)
		require.True(t, ok)
		assert.Equal(t, "s1", req.Session.ID)
		assert.Equal(t, session.KindEscalationNotice, req.Notice.Kind)
	}
	assert.Empty(t, user.messages(t))
}

func TestDisconnect_RemovesOnlyOwnEntries(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	user, admin := newConn("u1"), newConn("a1")
	f.hub.JoinUserSession(user, protocol.JoinUserSession{SessionID: "s1"})
	f.hub.JoinAdminSession(admin, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})

	conns, sessions, admins := f.hub.reg.counts()
	assert.Equal(t, [3]int{2, 1, 1}, [3]int{conns, sessions, admins})

	f.hub.Disconnect(user.id)
	assert.Nil(t, f.hub.reg.userConn("s1"))
	focused, owner := f.hub.reg.adminConn("s1")
	require.NotNil(t, focused)
	assert.Equal(t, admin.id, focused.ConnID())
	assert.Equal(t, "alice", owner)

	// A newer connection for the same admin replaces the feed; dropping the
	// old one must not remove it.
	fresh := newConn("a2")
	f.hub.JoinAdminSession(fresh, protocol.JoinAdminSession{AdminID: "alice"})
	f.hub.Disconnect(admin.id)
	require.NotNil(t, f.hub.reg.adminFeed("alice"))
	assert.Equal(t, fresh.id, f.hub.reg.adminFeed("alice").ConnID())

	f.hub.Disconnect(fresh.id)
	conns, sessions, admins = f.hub.reg.counts()
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{conns, sessions, admins})
}

func TestConcurrentPostsKeepForwardOrder(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	admin := newConn("a1")
	f.hub.JoinAdminSession(admin, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})
	admin.reset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.hub.PostUserMessage(context.Background(), Post{SessionID: "s1", Text: "ping"}, PathPush)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var last int64
	for _, m := range admin.messages(t) {
		fwd, ok := m.(protocol.NewUserMessage)
		require.True(t, ok)
		assert.Greater(t, fwd.Message.Seq, last)
		last = fwd.Message.Seq
	}
}

func countUserForwards(t *testing.T, c *fakeConn) int {
	t.Helper()
	n := 0
	for _, m := range c.messages(t) {
		if _, ok := m.(protocol.NewUserMessage); ok {
			n++
		}
	}
	return n
}

func TestRejectedAdminDoesNotTakeOverForwarding(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	alice, bob := newConn("a1"), newConn("b1")

	f.hub.JoinAdminSession(alice, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})

	f.hub.AdminMessage(bob, protocol.AdminMessage{SessionID: "s1", AdminID: "bob", Text: "I'll take it"})
	e, ok := bob.last(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeStaleAssignment, e.Code)

	f.hub.JoinAdminSession(bob, protocol.JoinAdminSession{AdminID: "bob", SessionID: "s1"})
	ro, ok := bob.last(t).(protocol.SessionData)
	require.True(t, ok)
	assert.True(t, ro.ReadOnly)

	focused, owner := f.hub.reg.adminConn("s1")
	require.NotNil(t, focused)
	assert.Equal(t, alice.id, focused.ConnID())
	assert.Equal(t, "alice", owner)

	alice.reset()
	bob.reset()
	_, _, err := f.hub.PostUserMessage(context.Background(), Post{SessionID: "s1", Text: "still waiting"}, PathHTTP)
	require.NoError(t, err)

	assert.Equal(t, 1, countUserForwards(t, alice), "assigned admin should get the user message")
	assert.Equal(t, 0, countUserForwards(t, bob), "rejected admin must not get the user message")
}

func TestRejectedAdminKeepsEarlierFocus(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, "s1")
	f.escalate(t, "s2")
	alice, bob := newConn("a1"), newConn("b1")

	f.hub.JoinAdminSession(alice, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})
	f.hub.JoinAdminSession(bob, protocol.JoinAdminSession{AdminID: "bob", SessionID: "s2"})

	// bob tries s1 and is refused; s2 traffic must still reach him.
	f.hub.AdminMessage(bob, protocol.AdminMessage{SessionID: "s1", AdminID: "bob", Text: "hello"})
	bob.reset()

	_, _, err := f.hub.PostUserMessage(context.Background(), Post{SessionID: "s2", Text: "hi bob"}, PathHTTP)
	require.NoError(t, err)
	assert.Equal(t, 1, countUserForwards(t, bob))
}

func TestSlowForwardDoesNotBlockOtherSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escalate(t, "s1")
	f.escalate(t, "s2")

	slow := newStallConn("a1")
	f.hub.JoinAdminSession(slow, protocol.JoinAdminSession{AdminID: "alice", SessionID: "s1"})
	slow.block.Store(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := f.hub.PostUserMessage(ctx, Post{SessionID: "s1", Text: "hello?"}, PathPush)
		assert.NoError(t, err)
	}()
	select {
	case <-slow.stalled:
	case <-time.After(time.Second):
		t.Fatal("forward to the slow admin never started")
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := f.hub.PostUserMessage(ctx, Post{SessionID: "s2", Text: "anyone?"}, PathPush)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Error("write on s2 waited for the stalled forward on s1")
	}

	close(slow.release)
	wg.Wait()
	<-done
	assert.Zero(t, f.hub.locks.size())
}

func TestSessionLocks_SerializeSameSession(t *testing.T) {
	l := newSessionLocks()
	unlock := l.lock("s1")

	acquired := make(chan struct{})
	go func() {
		release := l.lock("s1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the first still held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	other := l.lock("s2")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never got the lock")
	}
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPostAdminMessage_RetryAfterCloseReturnsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.escalate(t, "s1")
	id := session.NewMessageID()

	first, _, err := f.hub.PostAdminMessage(ctx, Post{SessionID: "s1", AdminID: "alice", Text: "refund issued", ID: id}, PathPush)
	require.NoError(t, err)
	_, err = f.hub.CloseSession(ctx, "s1", "alice")
	require.NoError(t, err)

	// The push ack was lost, so the client repeats the reply over HTTP.
	again, cs, err := f.hub.PostAdminMessage(ctx, Post{SessionID: "s1", AdminID: "alice", Text: "refund issued", ID: id}, PathHTTP)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, session.StatusResolved, cs.Status)

	_, _, err = f.hub.PostAdminMessage(ctx, Post{SessionID: "s1", AdminID: "alice", Text: "one more thing"}, PathHTTP)
	assert.ErrorIs(t, err, session.ErrStaleAssignment)

	stored, err := f.store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2) // notice + one admin reply
}
