package gateway

import (
	"io"
	"net/http"
	"time"
)

const pollingContentType = "text/plain; charset=UTF-8"

// servePolling handles the HTTP long-polling transport: the handshake GET,
// the single parked drain GET, and packet-bearing POSTs.
func (g *Gateway) servePolling(w http.ResponseWriter, r *http.Request, sid string) {
	switch r.Method {
	case http.MethodGet:
		if sid == "" {
			g.pollingHandshake(w, r)
			return
		}
		g.pollingDrain(w, r, sid)
	case http.MethodPost:
		g.pollingIngest(w, r, sid)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		g.writeError(w, errCodeBadRequest)
	}
}

func (g *Gateway) pollingHandshake(w http.ResponseWriter, r *http.Request) {
	s, status := g.openSession(r, transportPolling)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", pollingContentType)
	_, _ = w.Write(encodeOpen(s.ID, []string{transportWebSocket}, g.cfg.PingInterval, g.cfg.PingTimeout, g.cfg.MaxPayload))
}

// pollingDrain is the long-poll read side. Exactly one GET may be parked per
// session; a second concurrent GET is a protocol violation that kills the
// session, since interleaved drains would scramble frame order.
func (g *Gateway) pollingDrain(w http.ResponseWriter, r *http.Request, sid string) {
	s, ok := g.socket(sid)
	if !ok {
		g.writeError(w, errCodeSessionUnknown)
		return
	}
	s.touch()
	switch s.parkPoll() {
	case parkWrongTransport:
		g.writeError(w, errCodeBadRequest)
		return
	case parkConflict:
		g.closeSocket(s, closeReasonPollConflict, "server")
		g.writeError(w, errCodeBadRequest)
		return
	}
	defer s.unparkPoll()

	frames := s.takePending()
	if len(frames) == 0 {
		select {
		case frame := <-s.send:
			s.dequeued(frame)
			frames = append(frames, frame)
		case <-s.pollKick:
			// upgrade in progress; release the poll so websocket takes over
			g.writeFrames(w, [][]byte{{eioNoop}})
			return
		case <-s.done:
			g.finishPoll(w, s, nil, true)
			return
		case <-r.Context().Done():
			return
		case <-time.After(g.cfg.PollTimeout):
			g.writeFrames(w, [][]byte{{eioNoop}})
			return
		}
	}

	// Batch whatever else is already queued, respecting the payload cap.
	total := payloadLen(frames)
	for {
		select {
		case frame := <-s.send:
			s.dequeued(frame)
			if total+int64(len(frame))+1 > g.cfg.MaxPayload {
				s.stashPending([][]byte{frame})
				g.finishPoll(w, s, frames, false)
				return
			}
			frames = append(frames, frame)
			total += int64(len(frame)) + 1
		case <-s.done:
			g.finishPoll(w, s, frames, true)
			return
		default:
			g.finishPoll(w, s, frames, false)
			return
		}
	}
}

// finishPoll writes the collected frames; when the session is closing it
// flushes the rest of the queue and appends the protocol close packet so the
// client learns why the next poll will 400.
func (g *Gateway) finishPoll(w http.ResponseWriter, s *Socket, frames [][]byte, closing bool) {
	if closing {
	drain:
		for {
			select {
			case frame := <-s.send:
				s.dequeued(frame)
				frames = append(frames, frame)
			default:
				break drain
			}
		}
		frames = append(frames, []byte{eioClose})
	}
	g.writeFrames(w, frames)
}

func (g *Gateway) writeFrames(w http.ResponseWriter, frames [][]byte) {
	if len(frames) == 0 {
		frames = [][]byte{{eioNoop}}
	}
	w.Header().Set("Content-Type", pollingContentType)
	_, _ = w.Write(encodePollPayload(frames))
}

func payloadLen(frames [][]byte) int64 {
	var n int64
	for _, f := range frames {
		n += int64(len(f)) + 1 // +1 for the record separator
	}
	return n
}

func (g *Gateway) pollingIngest(w http.ResponseWriter, r *http.Request, sid string) {
	s, ok := g.socket(sid)
	if !ok {
		g.writeError(w, errCodeSessionUnknown)
		return
	}
	s.touch()
	if s.transportName() != transportPolling {
		g.writeError(w, errCodeBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxPayload+1))
	if err != nil || int64(len(body)) > g.cfg.MaxPayload {
		g.writeError(w, errCodeBadRequest)
		return
	}
	for _, packet := range splitPollPayload(body) {
		g.handlePacket(s, packet)
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("ok"))
}
