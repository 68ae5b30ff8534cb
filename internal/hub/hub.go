// Package hub is the Transport Hub. It owns the registry of live push
// connections and the operations both delivery paths share: every message
// is persisted through the session store first and only then forwarded to
// whichever counterpart connection is attached. Anything that cannot be
// pushed stays in the store for the pull path.
package hub

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/metrics"
	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/ratelimit"
	"github.com/whisper/support-desk/internal/session"
	"github.com/whisper/support-desk/internal/ws"
)

// Path labels the delivery path a write arrived on.
type Path string

const (
	PathPush Path = "push"
	PathHTTP Path = "http"
)

const (
	opTimeout        = 5 * time.Second
	heartbeatTimeout = 2 * time.Second
)

// Heartbeater records admin liveness. The presence tracker implements it.
type Heartbeater interface {
	Heartbeat(ctx context.Context, adminID string) error
}

// Post is one chat line submitted by a user or an admin.
type Post struct {
	SessionID string
	Text      string
	ID        string // optional client idempotency key
	AdminID   string // admin posts only
	UserEmail string // user posts only; fills a missing contact email
}

// PollResult is what the pull path returns.
type PollResult struct {
	Messages []session.Message
	Status   session.Status
	LastSeq  int64
}

// HasNew reports whether the poll returned anything.
func (r PollResult) HasNew() bool { return len(r.Messages) > 0 }

// Hub routes messages between users and admins.
type Hub struct {
	store     session.Store
	presence  Heartbeater
	limiter   ratelimit.Checker
	publisher messaging.Publisher
	reg       *registry

	// Per-session locks keep persist-then-forward ordered for writes to
	// the same session.
	locks *sessionLocks
}

// New creates a Hub.
func New(store session.Store, presence Heartbeater, limiter ratelimit.Checker, publisher messaging.Publisher) *Hub {
	return &Hub{
		store:     store,
		presence:  presence,
		limiter:   limiter,
		publisher: publisher,
		reg:       newRegistry(),
		locks:     newSessionLocks(),
	}
}

func (h *Hub) lock(sessionID string) func() {
	return h.locks.lock(sessionID)
}

// PostUserMessage rate-limits, persists and forwards a user message to the
// session's admin side.
func (h *Hub) PostUserMessage(ctx context.Context, p Post, path Path) (session.Message, *session.ChatSession, error) {
	start := time.Now()
	if p.SessionID == "" {
		return session.Message{}, nil, fmt.Errorf("hub: %w: session id is required", session.ErrInvalidMessage)
	}

	allowed, _ := h.limiter.Allow(ctx, p.SessionID, ratelimit.RuleUserMessage)
	if !allowed {
		metrics.RateLimitedTotal.Inc()
		return session.Message{}, nil, fmt.Errorf("hub: session %s: %w", p.SessionID, ratelimit.ErrRateLimited)
	}

	msg := newMessage(session.SenderUser, p)

	unlock := h.lock(p.SessionID)
	defer unlock()

	stored, cs, err := h.store.Append(ctx, p.SessionID, msg, "")
	if err != nil {
		return session.Message{}, cs, fmt.Errorf("hub: post user message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(session.SenderUser), string(path)).Inc()

	if p.UserEmail != "" && cs.UserEmail == "" {
		if updated, _, err := h.store.Ensure(ctx, p.SessionID, session.Identity{Email: p.UserEmail}); err != nil {
			log.Printf("[hub] session=%s record email: %v", p.SessionID, err)
		} else {
			cs = updated
		}
	}

	h.forwardToAdmin(cs, stored)
	h.publishMessage(cs, stored)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return stored, cs, nil
}

// PostAdminMessage persists an admin reply and forwards it to the user. The
// first reply on a pending session claims it for the admin. Retrying a
// reply whose id is already stored returns the stored message, even after
// the session was resolved.
func (h *Hub) PostAdminMessage(ctx context.Context, p Post, path Path) (session.Message, *session.ChatSession, error) {
	start := time.Now()
	if p.SessionID == "" || p.AdminID == "" {
		return session.Message{}, nil, fmt.Errorf("hub: %w: session id and admin id are required", session.ErrInvalidMessage)
	}
	if err := session.ValidateText(p.Text); err != nil {
		return session.Message{}, nil, fmt.Errorf("hub: post admin message: %w", err)
	}

	unlock := h.lock(p.SessionID)
	defer unlock()

	before, err := h.store.Get(ctx, p.SessionID)
	if err != nil {
		return session.Message{}, nil, fmt.Errorf("hub: post admin message: %w", err)
	}
	stored, cs, err := h.store.Append(ctx, p.SessionID, newMessage(session.SenderAdmin, p), p.AdminID)
	if err != nil {
		return session.Message{}, cs, fmt.Errorf("hub: post admin message: %w", err)
	}
	if stored.Seq <= before.LastSeq() {
		return stored, cs, nil
	}
	metrics.MessagesTotal.WithLabelValues(string(session.SenderAdmin), string(path)).Inc()

	if before.Status == session.StatusPendingAdmin && cs.Status == session.StatusActive {
		h.announceClaim(cs, p.AdminID)
	}
	h.deliver(h.reg.userConn(p.SessionID), protocol.AdminReply{Message: stored})
	h.publishMessage(cs, stored)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return stored, cs, nil
}

// CloseSession resolves the session on behalf of its assigned admin and
// pushes the final snapshot to both sides.
func (h *Hub) CloseSession(ctx context.Context, sessionID, adminID string) (*session.ChatSession, error) {
	unlock := h.lock(sessionID)
	defer unlock()

	cs, changed, err := h.store.Resolve(ctx, sessionID, adminID)
	if err != nil {
		return cs, fmt.Errorf("hub: close session: %w", err)
	}
	if !changed {
		return cs, nil
	}

	final := protocol.SessionData{Session: *cs}
	sent := make(map[string]bool, 3)
	focused, _ := h.reg.adminConn(sessionID)
	for _, c := range []ws.Conn{h.reg.userConn(sessionID), focused, h.reg.adminFeed(adminID)} {
		if c == nil || sent[c.ConnID()] {
			continue
		}
		sent[c.ConnID()] = true
		h.deliver(c, final)
	}

	h.publish(messaging.SessionEvent{
		Type:      messaging.EventResolved,
		SessionID: cs.ID,
		Status:    string(cs.Status),
		AdminID:   adminID,
		Ts:        cs.LastActivityAt.UnixMilli(),
	})
	log.Printf("[hub] session=%s resolved by admin=%s", cs.ID, adminID)
	return cs, nil
}

// Poll returns the messages after the caller's cursor. LastSeq is the
// cursor to send next time.
func (h *Hub) Poll(ctx context.Context, sessionID string, afterSeq int64, since time.Time) (PollResult, error) {
	metrics.PollsTotal.Inc()

	msgs, err := h.store.MessagesAfter(ctx, sessionID, afterSeq, since)
	if err != nil {
		return PollResult{}, fmt.Errorf("hub: poll: %w", err)
	}
	cs, err := h.store.Get(ctx, sessionID)
	if err != nil {
		return PollResult{}, fmt.Errorf("hub: poll: %w", err)
	}

	res := PollResult{Messages: msgs, Status: cs.Status, LastSeq: afterSeq}
	if n := len(msgs); n > 0 && msgs[n-1].Seq > afterSeq {
		res.LastSeq = msgs[n-1].Seq
	}
	return res, nil
}

// Snapshot returns the full session.
func (h *Hub) Snapshot(ctx context.Context, sessionID string) (*session.ChatSession, error) {
	cs, err := h.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("hub: snapshot: %w", err)
	}
	return cs, nil
}

// BroadcastEscalation sends an escalation_request to every admin feed and
// returns how many were reached.
func (h *Hub) BroadcastEscalation(_ context.Context, cs *session.ChatSession, notice session.Message) int {
	frame, err := protocol.NewServerMessage(protocol.EscalationRequest{
		Session: session.Summarize(cs),
		Notice:  notice,
	})
	if err != nil {
		log.Printf("[hub] session=%s build escalation frame: %v", cs.ID, err)
		return 0
	}

	reached := 0
	for _, c := range h.reg.adminFeeds() {
		if err := c.WriteMessage(frame); err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			log.Printf("[hub] escalation broadcast to conn=%s failed: %v", c.ConnID(), err)
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
		reached++
	}
	return reached
}

// Heartbeat records admin liveness without blocking the caller.
func (h *Hub) Heartbeat(adminID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
		defer cancel()
		if err := h.presence.Heartbeat(ctx, adminID); err != nil {
			log.Printf("[hub] heartbeat admin=%s: %v", adminID, err)
		}
	}()
}

// Disconnect drops every registry entry of a closed connection.
func (h *Hub) Disconnect(connID string) {
	h.reg.unbind(connID)
}

// claim assigns a pending session to adminID and tells the user side.
func (h *Hub) claim(ctx context.Context, sessionID, adminID string) (*session.ChatSession, error) {
	cs, changed, err := h.store.Claim(ctx, sessionID, adminID)
	if err != nil {
		return cs, err
	}
	if changed {
		h.announceClaim(cs, adminID)
	}
	return cs, nil
}

func (h *Hub) announceClaim(cs *session.ChatSession, adminID string) {
	log.Printf("[hub] session=%s claimed by admin=%s", cs.ID, adminID)
	h.deliver(h.reg.userConn(cs.ID), protocol.SessionData{Session: *cs})
	h.publish(messaging.SessionEvent{
		Type:      messaging.EventClaimed,
		SessionID: cs.ID,
		Status:    string(cs.Status),
		AdminID:   adminID,
		Ts:        time.Now().UnixMilli(),
	})
}

// forwardToAdmin pushes a user message to the assigned admin: the
// connection focused on the session when it belongs to that admin, or else
// the admin's feed. With neither attached the message waits in the store.
func (h *Hub) forwardToAdmin(cs *session.ChatSession, m session.Message) {
	var c ws.Conn
	if cs.AssignedAdminID != "" {
		if focused, owner := h.reg.adminConn(cs.ID); focused != nil && owner == cs.AssignedAdminID {
			c = focused
		} else {
			c = h.reg.adminFeed(cs.AssignedAdminID)
		}
	}
	h.deliver(c, protocol.NewUserMessage{Message: m})
}

// deliver writes msg to c. Failures are counted and logged, never returned:
// the message is already persisted and reachable through the pull path.
func (h *Hub) deliver(c ws.Conn, msg protocol.ServerMessage) {
	if c == nil {
		metrics.DeliveriesTotal.WithLabelValues("no_connection").Inc()
		return
	}
	data, err := protocol.NewServerMessage(msg)
	if err != nil {
		log.Printf("[hub] build %s frame: %v", msg.Kind(), err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		log.Printf("[hub] forward %s to conn=%s failed: %v", msg.Kind(), c.ConnID(), err)
		return
	}
	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
}

// reply answers the connection that sent a request.
func (h *Hub) reply(c ws.Conn, msg protocol.ServerMessage) {
	data, err := protocol.NewServerMessage(msg)
	if err != nil {
		log.Printf("[hub] build %s frame: %v", msg.Kind(), err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[hub] reply %s to conn=%s failed: %v", msg.Kind(), c.ConnID(), err)
	}
}

func (h *Hub) publishMessage(cs *session.ChatSession, m session.Message) {
	h.publish(messaging.SessionEvent{
		Type:      messaging.EventMessage,
		SessionID: cs.ID,
		Status:    string(cs.Status),
		AdminID:   cs.AssignedAdminID,
		MessageID: m.ID,
		Sender:    string(m.Sender),
		Seq:       m.Seq,
		Ts:        m.Timestamp.UnixMilli(),
	})
}

func (h *Hub) publish(ev messaging.SessionEvent) {
	if err := h.publisher.PublishSession(ev); err != nil {
		log.Printf("[hub] session=%s publish %s event: %v", ev.SessionID, ev.Type, err)
	}
}

func newMessage(sender session.Sender, p Post) session.Message {
	m := session.NewMessage(sender, session.KindText, p.Text)
	if p.ID != "" {
		m.ID = p.ID
	}
	return m
}
