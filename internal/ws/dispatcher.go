package ws

import (
	"log"

	"github.com/whisper/support-desk/internal/protocol"
)

// Router receives parsed client messages. The hub implements it.
type Router interface {
	JoinUserSession(conn Conn, msg protocol.JoinUserSession)
	JoinAdminSession(conn Conn, msg protocol.JoinAdminSession)
	UserMessage(conn Conn, msg protocol.UserMessage)
	AdminMessage(conn Conn, msg protocol.AdminMessage)
}

// MessageDispatcher parses raw frames and routes them to a Router. It
// answers ping itself and replies with an error frame to anything it cannot
// parse.
type MessageDispatcher struct {
	router Router
}

// NewMessageDispatcher creates a MessageDispatcher routing to r.
func NewMessageDispatcher(r Router) *MessageDispatcher {
	return &MessageDispatcher{router: r}
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	d.route(conn, data)
}

func (d *MessageDispatcher) route(conn Conn, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ConnID(), err)
		sendFrame(conn, protocol.Error{Code: protocol.CodeBadRequest, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		sendFrame(conn, protocol.Pong{})
	case protocol.JoinUserSession:
		d.router.JoinUserSession(conn, m)
	case protocol.JoinAdminSession:
		d.router.JoinAdminSession(conn, m)
	case protocol.UserMessage:
		d.router.UserMessage(conn, m)
	case protocol.AdminMessage:
		d.router.AdminMessage(conn, m)
	default:
		log.Printf("ws: unsupported message type=%q conn=%s", msg.Kind(), conn.ConnID())
		sendFrame(conn, protocol.Error{Code: protocol.CodeBadRequest, Message: "unsupported message type"})
	}
}

// sendFrame encodes and writes msg. Failures are logged: a dead connection
// is cleaned up by the read path or the heartbeat.
func sendFrame(conn Conn, msg protocol.ServerMessage) {
	data, err := protocol.NewServerMessage(msg)
	if err != nil {
		log.Printf("ws: failed to build %s frame conn=%s: %v", msg.Kind(), conn.ConnID(), err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s frame conn=%s: %v", msg.Kind(), conn.ConnID(), err)
	}
}
