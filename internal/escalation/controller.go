// Package escalation hands a bot-handled support session over to human
// admins. It persists the status change and the escalation notice through
// the session store, then notifies connected admins and the out-of-process
// notifier.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/metrics"
	"github.com/whisper/support-desk/internal/session"
)

// ErrContactRequired is returned when neither the request nor the stored
// session carries a user id or an email. The caller collects an email and
// retries.
var ErrContactRequired = errors.New("contact email required")

// Notice wording, chosen by admin presence at escalation time.
const (
	NoticeAdminsOnline  = "Connecting you with a support agent. An admin will join this chat shortly."
	NoticeAdminsOffline = "Our support team is offline right now. We've saved your conversation and will follow up by email."
)

const (
	// MaxHistory bounds how many client-supplied bot transcript messages are
	// imported on escalation.
	MaxHistory = 50

	presenceTimeout = 2 * time.Second
)

// Presence is the part of the presence tracker the controller reads.
type Presence interface {
	IsAnyAdminOnline(ctx context.Context) (bool, error)
}

// Broadcaster delivers an escalation_request to every connected admin and
// returns how many connections it reached.
type Broadcaster interface {
	BroadcastEscalation(ctx context.Context, cs *session.ChatSession, notice session.Message) int
}

// Request is one escalation attempt.
type Request struct {
	SessionID      string
	Identity       session.Identity
	RecentMessages []session.Message
	// AdminOnlineHint is the client's last known presence answer, used only
	// when the tracker cannot be reached.
	AdminOnlineHint *bool
}

// Result describes the session after the call.
type Result struct {
	Session      *session.ChatSession
	Notice       session.Message
	Changed      bool // false when the session was already escalated
	AdminsOnline bool
	Notified     int // admin connections that received the broadcast
}

// Controller runs escalations.
type Controller struct {
	store     session.Store
	presence  Presence
	hub       Broadcaster
	publisher messaging.Publisher
}

// NewController wires a Controller.
func NewController(store session.Store, presence Presence, hub Broadcaster, publisher messaging.Publisher) *Controller {
	return &Controller{
		store:     store,
		presence:  presence,
		hub:       hub,
		publisher: publisher,
	}
}

// RequestEscalation moves the session to pending_admin with a notice whose
// wording depends on admin presence, and broadcasts it to admins. Calling
// it again on an escalated session returns the current state and notifies
// nobody.
func (c *Controller) RequestEscalation(ctx context.Context, req Request) (Result, error) {
	if req.SessionID == "" {
		return Result{}, fmt.Errorf("escalation: %w: session id is required", session.ErrInvalidMessage)
	}
	if err := c.checkContact(ctx, req); err != nil {
		return Result{}, err
	}

	online := c.adminsOnline(ctx, req.AdminOnlineHint)
	text := NoticeAdminsOffline
	if online {
		text = NoticeAdminsOnline
	}
	notice := session.NewMessage(session.SenderBot, session.KindEscalationNotice, text)

	cs, changed, err := c.store.Escalate(ctx, req.SessionID, req.Identity, importable(req.RecentMessages), notice)
	if err != nil {
		return Result{Session: cs}, fmt.Errorf("escalation: %w", err)
	}

	res := Result{Session: cs, Changed: changed, AdminsOnline: online}
	res.Notice, _ = lastNotice(cs)
	if !changed {
		return res, nil
	}

	metrics.EscalationsTotal.WithLabelValues(presenceLabel(online)).Inc()
	res.Notified = c.hub.BroadcastEscalation(ctx, cs, res.Notice)
	log.Printf("[escalation] session=%s escalated admins_online=%v notified=%d", cs.ID, online, res.Notified)

	ev := messaging.EscalationEvent{
		SessionID:    cs.ID,
		UserID:       cs.UserID,
		UserEmail:    cs.UserEmail,
		AdminsOnline: online,
		Notice:       res.Notice.Text,
		Ts:           res.Notice.Timestamp.UnixMilli(),
	}
	if err := c.publisher.PublishEscalation(ev); err != nil {
		log.Printf("[escalation] session=%s publish event: %v", cs.ID, err)
	}
	return res, nil
}

// checkContact enforces that the user can be reached, using the request's
// identity or whatever the stored session already knows.
func (c *Controller) checkContact(ctx context.Context, req Request) error {
	if req.Identity.HasContact() {
		return nil
	}
	cs, err := c.store.Get(ctx, req.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrContactRequired
	case err != nil:
		return fmt.Errorf("escalation: load session: %w", err)
	}
	if cs.UserID == "" && cs.UserEmail == "" {
		return ErrContactRequired
	}
	return nil
}

// adminsOnline asks the tracker, falling back to the client hint and then
// to offline. Presence failures never fail the escalation.
func (c *Controller) adminsOnline(ctx context.Context, hint *bool) bool {
	pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	online, err := c.presence.IsAnyAdminOnline(pctx)
	if err == nil {
		return online
	}
	log.Printf("[escalation] presence unavailable, using client hint: %v", err)
	return hint != nil && *hint
}

// importable keeps the tail of the client transcript that can be stored:
// bot and user lines only, re-sequenced by the store.
func importable(msgs []session.Message) []session.Message {
	if len(msgs) > MaxHistory {
		msgs = msgs[len(msgs)-MaxHistory:]
	}
	out := make([]session.Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Sender != session.SenderBot && m.Sender != session.SenderUser {
			continue
		}
		switch m.Kind {
		case "":
			m.Kind = session.KindText
		case session.KindText, session.KindQuickReply:
		default:
			continue
		}
		if session.ValidateText(m.Text) != nil {
			continue
		}
		if m.ID == "" || seen[m.ID] {
			m.ID = session.NewMessageID()
		}
		seen[m.ID] = true
		m.Seq = 0
		m.SessionID = ""
		out = append(out, m)
	}
	return out
}

func lastNotice(cs *session.ChatSession) (session.Message, bool) {
	for i := len(cs.Messages) - 1; i >= 0; i-- {
		if cs.Messages[i].Kind == session.KindEscalationNotice {
			return cs.Messages[i], true
		}
	}
	return session.Message{}, false
}

func presenceLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
