package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/pulse/internal/logging"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
	// probeWait bounds each leg of the upgrade probe exchange.
	probeWait = 5 * time.Second
)

// serveWebSocket handles direct WebSocket handshakes (no sid) and upgrades
// from a live polling session (sid present).
func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, sid string) {
	if sid == "" {
		g.wsHandshake(w, r)
		return
	}
	g.wsUpgrade(w, r, sid)
}

func (g *Gateway) wsHandshake(w http.ResponseWriter, r *http.Request) {
	s, status := g.openSession(r, transportWebSocket)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.closeSocket(s, closeReasonTransportError, "server")
		return
	}
	s.attachWS(conn)
	// The open packet must be the first frame. The queue is empty and the
	// write pump starts below, so enqueue preserves that.
	_ = s.enqueue(encodeOpen(s.ID, nil, g.cfg.PingInterval, g.cfg.PingTimeout, g.cfg.MaxPayload))
	go g.writePump(s, conn)
	go g.readPump(s, conn)
}

// wsUpgrade runs the probe exchange that moves a polling session onto
// WebSocket: client sends "2probe", server answers "3probe", client commits
// with "5". Anything else aborts the probe and leaves polling untouched.
func (g *Gateway) wsUpgrade(w http.ResponseWriter, r *http.Request, sid string) {
	s, ok := g.socket(sid)
	if !ok {
		g.writeError(w, errCodeSessionUnknown)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadLimit(g.cfg.MaxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(probeWait))
	_, probe, err := conn.ReadMessage()
	if err != nil || string(probe) != "2probe" {
		_ = conn.Close()
		return
	}
	// Release any parked GET before accepting the probe. The client pauses
	// polling once the noop arrives, so by the time it commits with "5" no
	// poll drain is left to race the websocket write pump for a frame.
	s.kickPoll()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("3probe")); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(probeWait))
	_, commit, err := conn.ReadMessage()
	if err != nil || len(commit) == 0 || commit[0] != eioUpgrade {
		_ = conn.Close()
		return
	}

	s.kickPoll() // belt for a client that re-polled mid-probe
	s.attachWS(conn)
	s.touch()
	g.logger.Debug().Str("socket_id", s.ID).Msg("Transport upgraded to websocket")
	go g.writePump(s, conn)
	go g.readPump(s, conn)
}

// readPump owns all reads on an established connection. Exit tears the
// socket down. The read deadline is a backstop; liveness is enforced by the
// heartbeat sweep.
func (g *Gateway) readPump(s *Socket, conn *websocket.Conn) {
	defer logging.RecoverPanic(g.logger, "gateway.read_pump", map[string]any{"socket_id": s.ID})
	defer g.closeSocket(s, closeReasonTransportError, "client")

	conn.SetReadLimit(g.cfg.MaxPayload)
	limit := 2 * (g.cfg.PingInterval + g.cfg.PingTimeout)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(limit))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.handlePacket(s, data)
	}
}

// writePump owns all writes on an established connection, draining the send
// queue. On close it flushes what is queued, sends the protocol close, and
// releases the TCP connection.
func (g *Gateway) writePump(s *Socket, conn *websocket.Conn) {
	defer logging.RecoverPanic(g.logger, "gateway.write_pump", map[string]any{"socket_id": s.ID})
	defer conn.Close()

	// Frames a polling drain had deferred ship first, keeping order.
	for _, frame := range s.takePending() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			g.closeSocket(s, closeReasonTransportError, "server")
			return
		}
	}

	for {
		select {
		case frame := <-s.send:
			s.dequeued(frame)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.closeSocket(s, closeReasonTransportError, "server")
				return
			}
		case <-s.done:
			g.flushAndClose(s, conn)
			return
		}
	}
}

func (g *Gateway) flushAndClose(s *Socket, conn *websocket.Conn) {
drain:
	for {
		select {
		case frame := <-s.send:
			s.dequeued(frame)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.TextMessage, frame) != nil {
				break drain
			}
		default:
			break drain
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, []byte{eioClose})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
