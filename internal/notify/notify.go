// Package notify turns support-desk events into email notifications for
// escalations nobody was online to pick up.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/support-desk/internal/messaging"
	"github.com/whisper/support-desk/internal/session"
)

// Email is one outgoing notification.
type Email struct {
	To        string
	ReplyTo   string
	Subject   string
	Body      string
	SessionID string
}

// Mailer hands an email to the delivery collaborator.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer logs emails instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, e Email) error {
	log.Printf("[notifier] email to=%s reply_to=%s session=%s subject=%q", e.To, e.ReplyTo, e.SessionID, e.Subject)
	return nil
}

// Notifier holds offline escalations for a grace period and emails the
// support inbox about those no admin claimed in time.
type Notifier struct {
	mailer Mailer
	inbox  string
	grace  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Notifier. A zero grace sends immediately.
func New(mailer Mailer, inbox string, grace time.Duration) *Notifier {
	return &Notifier{
		mailer:  mailer,
		inbox:   inbox,
		grace:   grace,
		pending: make(map[string]*time.Timer),
	}
}

// HandleEscalation processes a support.escalation payload.
func (n *Notifier) HandleEscalation(data []byte) {
	var ev messaging.EscalationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[notifier] failed to unmarshal escalation: %v", err)
		return
	}
	if ev.SessionID == "" {
		return
	}
	if ev.AdminsOnline {
		log.Printf("[notifier] session=%s escalated while admins online, no email", ev.SessionID)
		return
	}
	n.schedule(ev)
}

// HandleSessionEvent processes a support.session.<id> payload. A claim or
// resolution cancels the pending email for that session.
func (n *Notifier) HandleSessionEvent(data []byte) {
	var ev messaging.SessionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[notifier] failed to unmarshal session event: %v", err)
		return
	}
	switch ev.Type {
	case messaging.EventClaimed, messaging.EventResolved:
		if n.cancel(ev.SessionID) {
			log.Printf("[notifier] session=%s %s by admin=%s, email cancelled", ev.SessionID, ev.Type, ev.AdminID)
		}
	case messaging.EventMessage:
		if ev.Sender == string(session.SenderAdmin) && n.cancel(ev.SessionID) {
			log.Printf("[notifier] session=%s answered, email cancelled", ev.SessionID)
		}
	}
}

// Pending returns how many emails are waiting for their grace period.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close stops all pending timers without sending and waits for sends in
// flight.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	for id, t := range n.pending {
		if t.Stop() {
			n.wg.Done()
		}
		delete(n.pending, id)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) schedule(ev messaging.EscalationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if _, ok := n.pending[ev.SessionID]; ok {
		return
	}
	n.wg.Add(1)
	n.pending[ev.SessionID] = time.AfterFunc(n.grace, func() {
		defer n.wg.Done()
		if !n.take(ev.SessionID) {
			return
		}
		n.send(ev)
	})
	log.Printf("[notifier] session=%s escalated offline, email in %s", ev.SessionID, n.grace)
}

// cancel drops a pending email. It reports whether one was pending.
func (n *Notifier) cancel(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.pending[sessionID]
	if !ok {
		return false
	}
	if t.Stop() {
		n.wg.Done()
	}
	delete(n.pending, sessionID)
	return true
}

func (n *Notifier) take(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.pending[sessionID]; !ok {
		return false
	}
	delete(n.pending, sessionID)
	return true
}

func (n *Notifier) send(ev messaging.EscalationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := Email{
		To:        n.inbox,
		ReplyTo:   ev.UserEmail,
		Subject:   fmt.Sprintf("Unanswered support request %s", ev.SessionID),
		Body:      body(ev),
		SessionID: ev.SessionID,
	}
	if err := n.mailer.Send(ctx, e); err != nil {
		log.Printf("[notifier] session=%s email failed: %v", ev.SessionID, err)
	}
}

func body(ev messaging.EscalationEvent) string {
	contact := ev.UserEmail
	if contact == "" {
		contact = "user " + ev.UserID
	}
	return fmt.Sprintf("A chat was escalated at %s while no agent was online.\nContact: %s\nSession: %s\n",
		time.UnixMilli(ev.Ts).UTC().Format(time.RFC1123), contact, ev.SessionID)
}
