package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parleyhq/pulse/internal/auth"
	"github.com/parleyhq/pulse/internal/channel"
	"github.com/parleyhq/pulse/internal/connection"
	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/metrics"
)

// CredentialVerifier resolves a bearer credential to an identity. Satisfied
// by *auth.Verifier; tests substitute a stub.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, auth.CredentialKind, error)
}

// Config tunes the gateway. Zero values fall back to production defaults.
type Config struct {
	PingInterval     time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	PollTimeout      time.Duration // how long a GET parks before returning empty
	SendQueueSize    int
	SendQueueBytes   int64
	MaxPayload       int64
	MaxConnections   int
	ConnRatePerIP    float64 // handshakes per second per client IP
	ConnBurstPerIP   int
	ConnRateGlobal   float64
	ConnBurstGlobal  int
	AllowQueryToken  bool
	AllowedOrigins   []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 20 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = 2 << 20
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = 1000000
	}
	return c
}

// Gateway owns every live socket: transport handshakes, packet routing, the
// authentication handshake, heartbeats, and teardown. It serves the
// /socket.io/ HTTP surface directly and exposes the delivery hooks the
// dispatcher and connection manager call back into.
type Gateway struct {
	cfg       Config
	verifier  CredentialVerifier
	manager   *connection.Manager
	registry  *channel.Registry
	collector *metrics.Collector
	logger    zerolog.Logger

	upgrader websocket.Upgrader
	limiter  *handshakeLimiter

	mu       sync.RWMutex
	sessions map[string]*Socket

	draining atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg Config, verifier CredentialVerifier, mgr *connection.Manager, reg *channel.Registry, collector *metrics.Collector, logger zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:       cfg,
		verifier:  verifier,
		manager:   mgr,
		registry:  reg,
		collector: collector,
		logger:    logging.Component(logger, "gateway"),
		limiter:   newHandshakeLimiter(cfg.ConnRatePerIP, cfg.ConnBurstPerIP, cfg.ConnRateGlobal, cfg.ConnBurstGlobal),
		sessions:  make(map[string]*Socket),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	go g.sweepLoop()
	return g
}

// Stop halts the heartbeat/reaper loop and the limiter janitor. Sockets are
// not touched; callers drain them first via CloseAll.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		<-g.done
		g.limiter.stop()
	})
}

// SetDraining flips admission into shutdown mode: new transport handshakes
// are refused with 503 while existing sockets keep flowing.
func (g *Gateway) SetDraining(v bool) {
	g.draining.Store(v)
}

func (g *Gateway) Draining() bool {
	return g.draining.Load()
}

// SocketCount reports live sessions, handshaken or not.
func (g *Gateway) SocketCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// ServeHTTP routes the Engine.IO surface. Mounted under /socket.io/.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		g.writeError(w, errCodeUnsupportedVersion)
		return
	}
	switch q.Get("transport") {
	case transportPolling:
		g.servePolling(w, r, q.Get("sid"))
	case transportWebSocket:
		g.serveWebSocket(w, r, q.Get("sid"))
	default:
		g.writeError(w, errCodeTransportUnknown)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": eioErrorMessages[code],
	})
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (g *Gateway) socket(id string) (*Socket, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

func (g *Gateway) snapshotSockets() []*Socket {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Socket, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// admit decides whether a new transport handshake may proceed. Returns 0 to
// admit or the HTTP status to refuse with.
func (g *Gateway) admit(ip string) int {
	if g.draining.Load() {
		return http.StatusServiceUnavailable
	}
	if g.cfg.MaxConnections > 0 && g.SocketCount() >= g.cfg.MaxConnections {
		return http.StatusServiceUnavailable
	}
	if !g.limiter.allow(ip) {
		return http.StatusTooManyRequests
	}
	return 0
}

// openSession runs admission and creates the session record. The handshake
// timer reaps sessions that never complete the connection handshake.
func (g *Gateway) openSession(r *http.Request, transport string) (*Socket, int) {
	ip := clientIP(r)
	if status := g.admit(ip); status != 0 {
		g.collector.ConnectionFailed(admitFailReason(status))
		g.logger.Warn().Str("ip", ip).Int("status", status).Msg("Handshake refused at admission")
		return nil, status
	}

	s := newSocket(g, uuid.NewString(), ip, transport, r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	s.handshakeTimer = time.AfterFunc(g.cfg.HandshakeTimeout, func() {
		if _, ready := s.user(); !ready {
			g.collector.ConnectionFailed(closeReasonHandshake)
			g.closeSocket(s, closeReasonHandshake, "server")
		}
	})

	g.mu.Lock()
	g.sessions[s.ID] = s
	g.mu.Unlock()

	g.logger.Debug().Str("socket_id", s.ID).Str("transport", transport).Str("ip", ip).Msg("Session opened")
	return s, 0
}

func admitFailReason(status int) string {
	if status == http.StatusTooManyRequests {
		return "rate_limited"
	}
	return "capacity"
}

// handlePacket processes one inbound Engine.IO packet from either transport.
func (g *Gateway) handlePacket(s *Socket, data []byte) {
	s.touch()
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case eioPing:
		// v4 clients don't ping the server, but answering is harmless
		_ = s.enqueue([]byte{eioPong})
	case eioPong:
		// liveness refreshed by touch above
	case eioClose:
		g.closeSocket(s, closeReasonClient, "client")
	case eioMessage:
		g.handleSIO(s, data[1:])
	case eioOpen, eioUpgrade, eioNoop:
		// transport-level packets; nothing to route
	default:
		g.logger.Warn().Str("socket_id", s.ID).Str("packet", string(data[:1])).Msg("Unknown packet type")
	}
}

func (g *Gateway) handleSIO(s *Socket, data []byte) {
	p, err := parseSIO(data)
	if err != nil {
		g.logger.Warn().Err(err).Str("socket_id", s.ID).Msg("Dropping malformed packet")
		return
	}
	if p.namespace != "" && p.namespace != "/" {
		_ = s.enqueue(encodeConnectError("namespace not supported"))
		return
	}
	switch p.kind {
	case sioConnect:
		g.handleConnect(s, p.raw)
	case sioEvent:
		g.handleEvent(s, p)
	case sioDisconnect:
		g.closeSocket(s, closeReasonClient, "client")
	case sioAck, sioConnectError:
		// client acks carry nothing we wait on
	}
}

// handleConnect accepts the namespace connection immediately and resolves
// authentication asynchronously; rejections arrive as connection_rejected
// events so clients always learn why they were refused.
func (g *Gateway) handleConnect(s *Socket, raw json.RawMessage) {
	if !s.beginConnect() {
		return
	}

	_ = s.enqueue(encodeConnectReply(uuid.NewString()))

	var body struct {
		Token string `json:"token"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}
	go g.runHandshake(s, body.Token)
}

// pickCredential applies the precedence order: connect payload token, then
// Authorization header, then query token when explicitly allowed.
func (g *Gateway) pickCredential(s *Socket, authToken string) string {
	if authToken != "" {
		return authToken
	}
	if h := strings.TrimSpace(strings.TrimPrefix(s.authHeader, "Bearer ")); h != "" && h != s.authHeader {
		return h
	}
	if g.cfg.AllowQueryToken {
		return s.queryToken
	}
	return ""
}

// runHandshake resolves credentials and claims the user's connection slot.
// It runs off the transport goroutine so a slow upstream verification never
// stalls packet processing.
func (g *Gateway) runHandshake(s *Socket, authToken string) {
	defer logging.RecoverPanic(g.logger, "gateway.handshake", map[string]any{"socket_id": s.ID})

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.HandshakeTimeout)
	defer cancel()

	identity, kind, err := g.verifier.Verify(ctx, g.pickCredential(s, authToken))
	g.collector.AuthResult(string(kind), err == nil)
	if err != nil {
		g.collector.ConnectionFailed("auth_failed")
		g.logger.Warn().Err(err).Str("socket_id", s.ID).Str("ip", s.remoteIP).Msg("Authentication failed")
		g.reject(s, "auth_failed", rejectMessage(err), nil)
		return
	}

	res := g.manager.TryClaim(identity.UserID, s.ID, time.Time{})
	switch res.Status {
	case connection.Duplicate:
		g.collector.ConnectionDuplicate()
		g.collector.ConnectionFailed("duplicate_connection")
		g.logger.Info().Int64("user_id", identity.UserID).Str("socket_id", s.ID).Msg("Duplicate connection refused")
		g.reject(s, "duplicate_connection", "User already has an active connection", res.Existing)
		return
	case connection.Throttled:
		g.collector.ConnectionFailed("throttled")
		g.reject(s, "throttled", "Too many connection attempts, retry shortly", nil)
		return
	}

	if !g.manager.Activate(identity.UserID, s.ID) {
		g.collector.ConnectionFailed(closeReasonHandshake)
		g.reject(s, closeReasonHandshake, "Connection handshake expired", nil)
		return
	}

	// The slot is ours. Everything past this point must be unwound by hand
	// if the socket closed while we were authenticating.
	now := time.Now()
	personal := fmt.Sprintf("private-user.%d", identity.UserID)
	personalErr := g.registry.Subscribe(s.ID, identity.UserID, personal)

	if !s.activate(identity, now) {
		if personalErr == nil {
			g.registry.Unsubscribe(s.ID, identity.UserID, personal)
		}
		g.manager.Release(identity.UserID, s.ID)
		return
	}

	if personalErr != nil {
		g.logger.Warn().Err(personalErr).Str("channel", personal).Msg("Personal channel subscription failed")
	} else {
		g.collector.SubscriptionAdded()
	}
	g.collector.ConnectionOpened(string(identity.Role))

	g.emit(s, "connected", map[string]any{
		"socket_id":   s.ID,
		"user_id":     identity.UserID,
		"role":        identity.Role,
		"server_time": now.UTC().Format(time.RFC3339),
	})
	g.logger.Info().
		Str("socket_id", s.ID).
		Int64("user_id", identity.UserID).
		Str("role", string(identity.Role)).
		Str("transport", s.transportName()).
		Msg("Connection established")
}

// rejectMessage maps verification errors to client-safe text.
func rejectMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "No credential provided"
	case errors.Is(err, auth.ErrExpiredCredential):
		return "Credential expired"
	case errors.Is(err, auth.ErrUpstreamUnavailable):
		return "Authentication service unavailable"
	default:
		return "Invalid credential"
	}
}

// reject sends connection_rejected and closes the socket; the transport
// writers flush queued frames before dropping the connection.
func (g *Gateway) reject(s *Socket, reason, message string, existing *connection.Snapshot) {
	payload := map[string]any{"reason": reason, "message": message}
	if existing != nil {
		payload["existingConnection"] = map[string]any{
			"socket_id":    existing.SocketID,
			"connected_at": existing.ConnectedAt.UTC().Format(time.RFC3339),
		}
	}
	g.emit(s, "connection_rejected", payload)
	g.closeSocket(s, reason, "server")
}

func (g *Gateway) handleEvent(s *Socket, p sioPacket) {
	name, arg, err := decodeEventArgs(p.raw)
	if err != nil {
		g.logger.Warn().Err(err).Str("socket_id", s.ID).Msg("Dropping malformed event")
		return
	}
	if p.ackID != "" {
		defer func() { _ = s.enqueue(encodeAck(p.ackID)) }()
	}

	identity, ready := s.user()
	if !ready {
		g.logger.Warn().Str("socket_id", s.ID).Str("event", name).Msg("Event before handshake completed")
		return
	}

	switch name {
	case "subscribe":
		g.handleSubscribe(s, identity, arg)
	case "unsubscribe":
		g.handleUnsubscribe(s, identity, arg)
	case "ping":
		g.handleAppPing(s, arg)
	case "user_activity", "notification_read":
		// liveness already refreshed; nothing else to do
	default:
		g.logger.Warn().Str("socket_id", s.ID).Str("event", name).Msg("Unknown event")
	}
}

type channelRequest struct {
	Channel string `json:"channel"`
}

func (g *Gateway) handleSubscribe(s *Socket, identity auth.Identity, arg json.RawMessage) {
	var req channelRequest
	if len(arg) > 0 {
		_ = json.Unmarshal(arg, &req)
	}
	if req.Channel == "" {
		g.emit(s, "subscription_error", map[string]string{"channel": "", "reason": "invalid_channel"})
		return
	}

	if err := channel.Authorize(identity, req.Channel); err != nil {
		reason := "forbidden"
		if errors.Is(err, channel.ErrMalformedChannel) {
			reason = "invalid_channel"
		}
		g.logger.Debug().
			Int64("user_id", identity.UserID).
			Str("channel", req.Channel).
			Str("reason", reason).
			Msg("Subscription denied")
		g.emit(s, "subscription_error", map[string]string{"channel": req.Channel, "reason": reason})
		return
	}

	already := false
	for _, name := range g.registry.UserChannels(identity.UserID) {
		if name == req.Channel {
			already = true
			break
		}
	}
	if err := g.registry.Subscribe(s.ID, identity.UserID, req.Channel); err != nil {
		g.emit(s, "subscription_error", map[string]string{"channel": req.Channel, "reason": "channel_full"})
		return
	}
	if !already {
		g.collector.SubscriptionAdded()
	}
	g.emit(s, "subscribed", map[string]string{"channel": req.Channel})
}

func (g *Gateway) handleUnsubscribe(s *Socket, identity auth.Identity, arg json.RawMessage) {
	var req channelRequest
	if len(arg) > 0 {
		_ = json.Unmarshal(arg, &req)
	}
	if g.registry.Unsubscribe(s.ID, identity.UserID, req.Channel) {
		g.collector.SubscriptionsRemoved(1)
	}
	g.emit(s, "unsubscribed", map[string]string{"channel": req.Channel})
}

func (g *Gateway) handleAppPing(s *Socket, arg json.RawMessage) {
	var req struct {
		Timestamp any `json:"timestamp"`
	}
	if len(arg) > 0 {
		_ = json.Unmarshal(arg, &req)
	}
	g.emit(s, "pong", map[string]any{
		"timestamp":   req.Timestamp,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

// emit encodes and queues one event for one socket.
func (g *Gateway) emit(s *Socket, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("Event serialization failed")
		return
	}
	_ = s.enqueue(frame)
}

// closeSocket tears a socket down exactly once: session removal, slot
// release, registry cleanup, metrics. Transport writers notice via done and
// flush whatever is still queued before dropping the connection.
func (g *Gateway) closeSocket(s *Socket, reason, initiatedBy string) bool {
	if !s.markClosed(reason, initiatedBy) {
		return false
	}

	g.mu.Lock()
	delete(g.sessions, s.ID)
	g.mu.Unlock()

	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
	}

	now := time.Now()
	if identity, ready := s.user(); ready {
		removed := g.registry.UnsubscribeAll(s.ID, identity.UserID)
		g.collector.SubscriptionsRemoved(removed)
		g.manager.Release(identity.UserID, s.ID)
		lifetime, _ := s.lifetime(now)
		g.collector.ConnectionClosed(string(identity.Role), reason, initiatedBy, lifetime)
		g.logger.Info().
			Str("socket_id", s.ID).
			Int64("user_id", identity.UserID).
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("lifetime", lifetime).
			Msg("Connection closed")
	} else {
		g.logger.Debug().Str("socket_id", s.ID).Str("reason", reason).Msg("Session closed before handshake completed")
	}
	return true
}

// CloseSocket force-closes a socket by ID after emitting force_disconnect.
// This is the close hook the connection manager and admin endpoints use.
func (g *Gateway) CloseSocket(socketID, reason string) bool {
	s, ok := g.socket(socketID)
	if !ok {
		return false
	}
	g.emit(s, "force_disconnect", map[string]string{"reason": reason})
	return g.closeSocket(s, reason, "server")
}

// Enqueue delivers a pre-encoded frame to one socket.
func (g *Gateway) Enqueue(socketID string, frame []byte) error {
	s, ok := g.socket(socketID)
	if !ok {
		return ErrSocketGone
	}
	return s.enqueue(frame)
}

// EnqueueAll fans a pre-encoded frame to every live socket and reports how
// many accepted it.
func (g *Gateway) EnqueueAll(frame []byte) int {
	n := 0
	for _, s := range g.snapshotSockets() {
		if s.enqueue(frame) == nil {
			n++
		}
	}
	return n
}

// CloseAll force-closes every socket and reports how many this call closed.
func (g *Gateway) CloseAll(reason string) int {
	n := 0
	for _, s := range g.snapshotSockets() {
		if g.closeSocket(s, reason, "server") {
			n++
		}
	}
	return n
}

// sweepLoop drives heartbeats and reaps idle sessions. Pings ride the normal
// send queue, so a socket that stopped draining eventually dies from
// backpressure even before the idle timer would fire.
func (g *Gateway) sweepLoop() {
	defer close(g.done)
	defer logging.RecoverPanic(g.logger, "gateway.sweep", nil)

	reapEvery := g.cfg.PingTimeout / 4
	if reapEvery <= 0 {
		reapEvery = time.Second
	}
	ping := time.NewTicker(g.cfg.PingInterval)
	reap := time.NewTicker(reapEvery)
	defer ping.Stop()
	defer reap.Stop()

	idleLimit := g.cfg.PingInterval + g.cfg.PingTimeout
	for {
		select {
		case <-g.stop:
			return
		case <-ping.C:
			for _, s := range g.snapshotSockets() {
				_ = s.enqueue([]byte{eioPing})
			}
		case <-reap.C:
			now := time.Now()
			for _, s := range g.snapshotSockets() {
				if s.idleFor(now) > idleLimit {
					g.closeSocket(s, closeReasonIdleTimeout, "server")
				}
			}
		}
	}
}
