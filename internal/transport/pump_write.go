package transport

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/logging"
)

// writePump owns the socket's write side: outbox frames, keepalive
// pings, and the final close frame. Writes batch through a buffered
// writer to keep syscalls off the per-frame path.
func (s *Server) writePump(c *conn) {
	defer logging.RecoverPanic(s.log, "write pump")
	defer s.wg.Done()

	writer := bufio.NewWriter(c.sock)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case msg := <-c.outbox:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
				s.disconnect(c, "write error")
				return
			}
			// Batch whatever else is already queued before flushing.
			n := len(c.outbox)
			for i := 0; i < n; i++ {
				msg = <-c.outbox
				if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
					s.disconnect(c, "write error")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.disconnect(c, "write error")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.sock, ws.OpPing, nil); err != nil {
				s.disconnect(c, "ping failed")
				return
			}

		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.sock, ws.OpClose, []byte{})
			return
		}
	}
}
