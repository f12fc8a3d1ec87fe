package transport

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
)

// readPump reads client frames until the socket dies. Frames are
// dispatched inline, so each connection processes its ops in order.
func (s *Server) readPump(c *conn) {
	defer logging.RecoverPanic(s.log, "read pump")
	defer s.wg.Done()
	defer s.disconnect(c, "read closed")

	c.sock.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.sock)
		if err != nil {
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleFrame(c, msg)
		case ws.OpPing:
			// wsutil answers pings on its own.
		case ws.OpClose:
			return
		}
	}
}
