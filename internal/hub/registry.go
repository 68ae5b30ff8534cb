package hub

import (
	"sync"

	"github.com/whisper/support-desk/internal/ws"
)

type role int

const (
	roleUser role = iota + 1
	roleAdmin
)

// binding is what one push connection is attached to.
type binding struct {
	conn      ws.Conn
	role      role
	sessionID string // user session, or admin focus
	adminID   string
}

type sessionConns struct {
	user    ws.Conn
	admin   ws.Conn
	adminID string // who admin belongs to
}

// registry is the hub's connection arena: three process-local indexes that
// only ever point at live connections and can be rebuilt from client joins.
// Removing a connection removes exactly the entries that point at it.
type registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding      // connID -> binding
	sessions map[string]*sessionConns // sessionID -> connections
	admins   map[string]ws.Conn       // adminID -> feed connection
}

func newRegistry() *registry {
	return &registry{
		bindings: make(map[string]*binding),
		sessions: make(map[string]*sessionConns),
		admins:   make(map[string]ws.Conn),
	}
}

// bindUser attaches conn as the user side of sessionID. A newer user
// connection for the same session replaces the older one.
func (r *registry) bindUser(conn ws.Conn, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unbindLocked(conn.ConnID())
	r.bindings[conn.ConnID()] = &binding{conn: conn, role: roleUser, sessionID: sessionID}
	r.session(sessionID).user = conn
}

// bindAdmin attaches conn as adminID's feed. A connection already bound to
// the same admin keeps its focus. Binding never focuses a session: that
// only happens through focus once the admin is known to own it.
func (r *registry) bindAdmin(conn ws.Conn, adminID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[conn.ConnID()]; !ok || b.role != roleAdmin || b.adminID != adminID {
		r.unbindLocked(conn.ConnID())
		r.bindings[conn.ConnID()] = &binding{conn: conn, role: roleAdmin, adminID: adminID}
	}
	r.admins[adminID] = conn
}

// focus makes an admin connection the admin side of sessionID, releasing
// any session it was focused on before. It reports false for connections
// that are not admin feeds. Callers focus only after a successful claim or
// reply, so a focused connection always belongs to the assigned admin.
func (r *registry) focus(conn ws.Conn, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[conn.ConnID()]
	if !ok || b.role != roleAdmin {
		return false
	}
	if sessionID == b.sessionID {
		return true
	}
	r.releaseFocusLocked(b)
	b.sessionID = sessionID
	sc := r.session(sessionID)
	sc.admin = conn
	sc.adminID = b.adminID
	return true
}

// unbind drops every entry that points at connID.
func (r *registry) unbind(connID string) {
	r.mu.Lock()
	r.unbindLocked(connID)
	r.mu.Unlock()
}

func (r *registry) unbindLocked(connID string) {
	b, ok := r.bindings[connID]
	if !ok {
		return
	}
	delete(r.bindings, connID)

	switch b.role {
	case roleUser:
		if sc := r.sessions[b.sessionID]; sc != nil && sc.user != nil && sc.user.ConnID() == connID {
			sc.user = nil
			r.pruneLocked(b.sessionID)
		}
	case roleAdmin:
		r.releaseFocusLocked(b)
		if c, ok := r.admins[b.adminID]; ok && c.ConnID() == connID {
			delete(r.admins, b.adminID)
		}
	}
}

func (r *registry) releaseFocusLocked(b *binding) {
	if b.sessionID == "" {
		return
	}
	if sc := r.sessions[b.sessionID]; sc != nil && sc.admin != nil && sc.admin.ConnID() == b.conn.ConnID() {
		sc.admin = nil
		sc.adminID = ""
		r.pruneLocked(b.sessionID)
	}
	b.sessionID = ""
}

func (r *registry) session(id string) *sessionConns {
	sc, ok := r.sessions[id]
	if !ok {
		sc = &sessionConns{}
		r.sessions[id] = sc
	}
	return sc
}

func (r *registry) pruneLocked(id string) {
	if sc := r.sessions[id]; sc != nil && sc.user == nil && sc.admin == nil {
		delete(r.sessions, id)
	}
}

func (r *registry) userConn(sessionID string) ws.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sc := r.sessions[sessionID]; sc != nil {
		return sc.user
	}
	return nil
}

// adminConn returns the admin connection focused on sessionID and the admin
// it belongs to.
func (r *registry) adminConn(sessionID string) (ws.Conn, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sc := r.sessions[sessionID]; sc != nil && sc.admin != nil {
		return sc.admin, sc.adminID
	}
	return nil, ""
}

func (r *registry) adminFeed(adminID string) ws.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[adminID]
}

func (r *registry) adminFeeds() []ws.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ws.Conn, 0, len(r.admins))
	for _, c := range r.admins {
		out = append(out, c)
	}
	return out
}

// counts reports sizes for tests and the health view.
func (r *registry) counts() (conns, sessions, admins int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings), len(r.sessions), len(r.admins)
}
