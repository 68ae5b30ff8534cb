package hub

import (
	"context"
	"errors"
	"log"

	"github.com/whisper/support-desk/internal/protocol"
	"github.com/whisper/support-desk/internal/session"
	"github.com/whisper/support-desk/internal/ws"
)

var _ ws.Router = (*Hub)(nil)

// JoinUserSession binds conn as the user side of a session and replies with
// its snapshot. A session that does not exist yet is reported as an empty
// bot-handled one; it is created by the first escalation.
func (h *Hub) JoinUserSession(conn ws.Conn, m protocol.JoinUserSession) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	h.reg.bindUser(conn, m.SessionID)

	cs, err := h.store.Get(ctx, m.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		cs = &session.ChatSession{ID: m.SessionID, Status: session.StatusBotHandled, Messages: []session.Message{}}
	case err != nil:
		log.Printf("[hub] join user session=%s: %v", m.SessionID, err)
		h.reply(conn, protocol.ErrorFrom(err))
		return
	}
	h.reply(conn, protocol.SessionData{Session: *cs})
}

// JoinAdminSession binds conn as the admin's feed, records a heartbeat and
// sends the triage list. With a session id the admin claims the session when
// it is pending and the connection focuses on it once the claim holds. An
// admin who cannot claim gets a read-only snapshot after the error frame and
// no focus, so user traffic keeps going to the assigned admin.
func (h *Hub) JoinAdminSession(conn ws.Conn, m protocol.JoinAdminSession) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	h.reg.bindAdmin(conn, m.AdminID)
	h.Heartbeat(m.AdminID)

	open, err := h.store.List(ctx, session.StatusPendingAdmin, session.StatusActive)
	if err != nil {
		log.Printf("[hub] list sessions for admin=%s: %v", m.AdminID, err)
		h.reply(conn, protocol.ErrorFrom(err))
		return
	}
	h.reply(conn, protocol.ActiveSessions{Sessions: open})

	if m.SessionID == "" {
		return
	}

	unlock := h.lock(m.SessionID)
	cs, err := h.claim(ctx, m.SessionID, m.AdminID)
	unlock()
	if err == nil {
		h.reg.focus(conn, m.SessionID)
		h.reply(conn, protocol.SessionData{Session: *cs})
		return
	}

	if cs == nil {
		cs, _ = h.store.Get(ctx, m.SessionID)
	}
	// The admin who closed a session can reopen its transcript quietly.
	quiet := cs != nil && cs.Status == session.StatusResolved && cs.AssignedAdminID == m.AdminID
	if !quiet {
		h.reply(conn, protocol.ErrorFrom(err))
	}
	if cs != nil {
		h.reply(conn, protocol.SessionData{Session: *cs, ReadOnly: true})
	}
}

// UserMessage handles a user's push send. The connection is bound to the
// session if it was not already.
func (h *Hub) UserMessage(conn ws.Conn, m protocol.UserMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if c := h.reg.userConn(m.SessionID); c == nil || c.ConnID() != conn.ConnID() {
		h.reg.bindUser(conn, m.SessionID)
	}

	stored, cs, err := h.PostUserMessage(ctx, Post{SessionID: m.SessionID, Text: m.Text, ID: m.ID}, PathPush)
	if err != nil {
		log.Printf("[hub] user message session=%s conn=%s: %v", m.SessionID, conn.ConnID(), err)
		h.reply(conn, protocol.ErrorFrom(err))
		return
	}
	h.reply(conn, protocol.MessageSent{Message: stored, Status: cs.Status})
}

// AdminMessage handles an admin's push reply. An accepted reply focuses the
// connection on the session; a rejected one leaves the registry as it was.
func (h *Hub) AdminMessage(conn ws.Conn, m protocol.AdminMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	h.reg.bindAdmin(conn, m.AdminID)

	stored, cs, err := h.PostAdminMessage(ctx, Post{SessionID: m.SessionID, AdminID: m.AdminID, Text: m.Text, ID: m.ID}, PathPush)
	if err != nil {
		log.Printf("[hub] admin message session=%s admin=%s: %v", m.SessionID, m.AdminID, err)
		h.reply(conn, protocol.ErrorFrom(err))
		return
	}
	h.reg.focus(conn, m.SessionID)
	h.reply(conn, protocol.MessageSent{Message: stored, Status: cs.Status})
}
