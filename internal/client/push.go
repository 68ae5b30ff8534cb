package client

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/support-desk/internal/protocol"
)

const maxFrameBytes = 1 << 20

// pushConn is the client end of a push connection.
type pushConn struct {
	conn    net.Conn
	r       io.Reader
	writeMu sync.Mutex
	once    sync.Once
}

func dialPush(ctx context.Context, url string) (*pushConn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	p := &pushConn{conn: conn, r: conn}
	// The server greets right after the handshake, so the dial reader may
	// already hold the first frames.
	if br != nil {
		p.r = io.MultiReader(br, conn)
	}
	return p, nil
}

func (p *pushConn) send(msg protocol.ClientMessage) error {
	data, err := protocol.NewClientMessage(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteClientText(p.conn, data)
}

// read returns the next text frame, answering pings on the way.
func (p *pushConn) read() ([]byte, error) {
	for {
		hdr, rd, err := wsutil.NextReader(p.r, ws.StateClientSide)
		if err != nil {
			return nil, err
		}
		payload, err := io.ReadAll(io.LimitReader(rd, maxFrameBytes))
		if err != nil {
			return nil, err
		}

		switch hdr.OpCode {
		case ws.OpText:
			return payload, nil
		case ws.OpPing:
			p.writeMu.Lock()
			err = wsutil.WriteClientMessage(p.conn, ws.OpPong, payload)
			p.writeMu.Unlock()
			if err != nil {
				return nil, err
			}
		case ws.OpClose:
			return nil, io.EOF
		}
	}
}

func (p *pushConn) close() {
	p.once.Do(func() { _ = p.conn.Close() })
}

// pushURL derives the push endpoint from an HTTP base URL.
func pushURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
