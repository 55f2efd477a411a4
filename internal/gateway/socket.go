package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/pulse/internal/auth"
)

// Outbound queue sentinels. The dispatcher maps these onto drop counters.
var (
	// ErrSocketGone means the socket is closed or closing.
	ErrSocketGone = errors.New("socket gone")
	// ErrBackpressure means the outbound queue overflowed and the socket has
	// been dropped.
	ErrBackpressure = errors.New("send queue overflow")
)

const (
	transportPolling   = "polling"
	transportWebSocket = "websocket"
)

// Close reasons surfaced in disconnect metrics and logs.
const (
	closeReasonBackpressure   = "backpressure"
	closeReasonIdleTimeout    = "idle_timeout"
	closeReasonHandshake      = "handshake_timeout"
	closeReasonClient         = "client_initiated"
	closeReasonTransportError = "transport_error"
	closeReasonPollConflict   = "poll_conflict"
	closeReasonRejected       = "rejected"
)

// parkResult is the outcome of claiming the single parked-GET slot.
type parkResult int

const (
	parkOK parkResult = iota
	parkWrongTransport
	parkConflict
)

// Socket is one Engine.IO session. Outbound frames flow through a bounded
// send queue drained by exactly one writer at a time: the parked polling GET
// or the WebSocket write pump. The queue channel is never closed; writers
// select on done instead, so enqueue cannot race a close into a panic.
type Socket struct {
	ID        string
	remoteIP  string
	createdAt time.Time

	gw *Gateway

	// Credential material captured at the transport handshake, consumed once
	// when the CONNECT packet arrives.
	authHeader string
	queryToken string

	send     chan []byte
	queued   atomic.Int64 // bytes sitting in send
	pollKick chan struct{}

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	lastInbound atomic.Int64 // unix nanos of the last client packet

	// Set once right after construction, before the socket escapes.
	handshakeTimer *time.Timer

	mu           sync.Mutex
	transport    string
	ws           *websocket.Conn
	pollParked   bool
	pollPending  [][]byte // dequeued frames deferred to the next poll
	sioConnected bool     // a CONNECT packet was already handled
	identity     auth.Identity
	ready        bool // CONNECT accepted and identity attached
	activatedAt  time.Time
	closeReason  string
	initiatedBy  string
}

func newSocket(gw *Gateway, id, remoteIP, transport, authHeader, queryToken string) *Socket {
	s := &Socket{
		ID:         id,
		gw:         gw,
		remoteIP:   remoteIP,
		createdAt:  time.Now(),
		authHeader: authHeader,
		queryToken: queryToken,
		send:       make(chan []byte, gw.cfg.SendQueueSize),
		pollKick:   make(chan struct{}, 1),
		done:       make(chan struct{}),
		transport:  transport,
	}
	s.touch()
	return s
}

func (s *Socket) touch() {
	s.lastInbound.Store(time.Now().UnixNano())
}

func (s *Socket) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastInbound.Load()))
}

// enqueue queues one frame for delivery. It never blocks: overflowing the
// queue by frame count or byte budget drops the whole socket, because a
// consumer that cannot drain would otherwise pin fan-out memory for everyone.
func (s *Socket) enqueue(frame []byte) error {
	if s.closed.Load() {
		return ErrSocketGone
	}
	if s.queued.Load()+int64(len(frame)) > s.gw.cfg.SendQueueBytes {
		s.gw.closeSocket(s, closeReasonBackpressure, "server")
		return ErrBackpressure
	}
	select {
	case s.send <- frame:
		s.queued.Add(int64(len(frame)))
		return nil
	default:
		s.gw.closeSocket(s, closeReasonBackpressure, "server")
		return ErrBackpressure
	}
}

// dequeued adjusts the byte budget after a writer pulls a frame off send.
func (s *Socket) dequeued(frame []byte) {
	s.queued.Add(-int64(len(frame)))
}

// markClosed flips the socket closed exactly once and reports whether this
// call won. The winner runs the gateway's disconnect path. The closed flag
// flips under mu so activate and markClosed serialize: a session either
// activates before the close (and the disconnect path cleans it up) or the
// activation fails and the handshake unwinds its own claims.
func (s *Socket) markClosed(reason, initiatedBy string) bool {
	won := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.initiatedBy = initiatedBy
		s.closed.Store(true)
		s.mu.Unlock()
		close(s.done)
		won = true
	})
	return won
}

// beginConnect claims the one-CONNECT-per-session slot.
func (s *Socket) beginConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sioConnected {
		return false
	}
	s.sioConnected = true
	return true
}

// activate records the authenticated user and flips the socket ready. It
// fails when the socket already closed, so a slow handshake can never
// resurrect a dead session; the caller unwinds the slot claim itself.
func (s *Socket) activate(id auth.Identity, at time.Time) bool {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return false
	}
	s.identity = id
	s.ready = true
	s.activatedAt = at
	s.mu.Unlock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}
	return true
}

// user returns the attached identity if the connection handshake completed.
func (s *Socket) user() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.ready
}

func (s *Socket) lifetime(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, false
	}
	return now.Sub(s.activatedAt), true
}

func (s *Socket) closeDetails() (reason, initiatedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason, s.initiatedBy
}

// parkPoll claims the single parked-GET slot for the polling transport.
func (s *Socket) parkPoll() parkResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != transportPolling {
		return parkWrongTransport
	}
	if s.pollParked {
		return parkConflict
	}
	s.pollParked = true
	return parkOK
}

func (s *Socket) unparkPoll() {
	s.mu.Lock()
	s.pollParked = false
	s.mu.Unlock()
}

// kickPoll wakes a parked GET so an upgrade can take over the session.
func (s *Socket) kickPoll() {
	select {
	case s.pollKick <- struct{}{}:
	default:
	}
}

// stashPending defers frames that were dequeued but did not fit the current
// polling response. The next drain serves them first.
func (s *Socket) stashPending(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	s.mu.Lock()
	s.pollPending = append(s.pollPending, frames...)
	s.mu.Unlock()
}

func (s *Socket) takePending() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pollPending
	s.pollPending = nil
	return out
}

// attachWS switches the session to the WebSocket transport after a
// successful upgrade probe.
func (s *Socket) attachWS(conn *websocket.Conn) {
	s.mu.Lock()
	s.transport = transportWebSocket
	s.ws = conn
	s.mu.Unlock()
}

func (s *Socket) transportName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}
