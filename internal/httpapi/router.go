// Package httpapi is the HTTP/JSON RPC surface: health and status views,
// metrics snapshots, the broadcast endpoints the upstream application server
// calls, and the admin operations. Every endpoint is metered per client IP
// and feeds the HTTP counters.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/parleyhq/pulse/internal/auth"
	"github.com/parleyhq/pulse/internal/channel"
	"github.com/parleyhq/pulse/internal/connection"
	"github.com/parleyhq/pulse/internal/dispatch"
	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/metrics"
)

// Capabilities a bearer credential may present instead of a shared secret.
const (
	CapabilityBroadcast = "websocket:broadcast"
	CapabilityAdmin     = "websocket:admin"
)

// maxMultiItems bounds one multi-broadcast batch.
const maxMultiItems = 100

// Broadcaster is the dispatch surface the API forwards to. Satisfied by
// *dispatch.Dispatcher.
type Broadcaster interface {
	Broadcast(channel, event string, data any) (dispatch.Result, error)
	BroadcastToUser(userID int64, event string, data any) (dispatch.Result, error)
	BroadcastMulti(items []dispatch.Request) []dispatch.Result
}

// CredentialChecker verifies bearer credentials on the RPC surface and
// exposes the admin cache flush. Satisfied by *auth.Verifier.
type CredentialChecker interface {
	Verify(ctx context.Context, credential string) (auth.Identity, auth.CredentialKind, error)
	FlushCache() int
}

// SocketAdmin is the slice of the gateway the admin endpoints need.
// Satisfied by *gateway.Gateway.
type SocketAdmin interface {
	CloseAll(reason string) int
	SocketCount() int
	Draining() bool
}

// Config tunes the RPC surface.
type Config struct {
	Version     string
	Environment string

	APIKey   string // upstream shared secret
	AdminKey string // admin secret; resolved by config (falls back to APIKey)

	CORSOrigins    []string
	RequestTimeout time.Duration

	// Per-group rate limits, requests per window.
	Window          time.Duration
	PublicLimit     int
	MonitoringLimit int
	AdminLimit      int
	BroadcastLimit  int

	// Feature flags surfaced on /api/status.
	TLS          bool
	JWTEnabled   bool
	QueryTokens  bool
	NATSIngest   bool
	KafkaIngest  bool
	SlackAlerter bool
}

// Deps are the components the handlers call into.
type Deps struct {
	Verifier    CredentialChecker
	Broadcaster Broadcaster
	Registry    *channel.Registry
	Manager     *connection.Manager
	Sockets     SocketAdmin
	Collector   *metrics.Collector
	Health      *metrics.Health
	PromHandler http.Handler
	System      metrics.SystemSource // optional

	// NATSConnected reports the live bus connection for the status view.
	// Nil when NATS ingest is not configured.
	NATSConnected func() bool
}

// API owns the gin engine and the per-group rate limiter.
type API struct {
	cfg           Config
	verifier      CredentialChecker
	broadcaster   Broadcaster
	registry      *channel.Registry
	manager       *connection.Manager
	sockets       SocketAdmin
	collector     *metrics.Collector
	health        *metrics.Health
	prom          http.Handler
	system        metrics.SystemSource
	natsConnected func() bool
	limiter       *windowLimiter
	logger        zerolog.Logger
	engine        *gin.Engine
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *API {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	a := &API{
		cfg:           cfg,
		verifier:      deps.Verifier,
		broadcaster:   deps.Broadcaster,
		registry:      deps.Registry,
		manager:       deps.Manager,
		sockets:       deps.Sockets,
		collector:     deps.Collector,
		health:        deps.Health,
		prom:          deps.PromHandler,
		system:        deps.System,
		natsConnected: deps.NATSConnected,
		limiter:       newWindowLimiter(cfg.Window),
		logger:        logging.Component(logger, "httpapi"),
	}
	a.engine = a.buildEngine()
	return a
}

// Handler returns the HTTP handler for everything except /socket.io/.
func (a *API) Handler() http.Handler {
	return a.engine
}

// Close stops the rate limiter janitor.
func (a *API) Close() {
	a.limiter.close()
}

func (a *API) buildEngine() *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(requestID(), a.accessLog(), a.recovery(), a.cors(), timeout(a.cfg.RequestTimeout))

	r.NoRoute(func(c *gin.Context) {
		abortError(c, http.StatusNotFound, "not_found", "Unknown endpoint", nil)
	})

	public := a.rateLimit("public", a.cfg.PublicLimit)
	r.GET("/", public, a.handleRoot)
	r.GET("/api/health", public, a.handleHealth)
	r.GET("/api/status", public, a.handleStatus)

	monitoring := a.rateLimit("monitoring", a.cfg.MonitoringLimit)
	r.GET("/api/metrics", monitoring, a.handleMetrics)
	r.GET("/api/monitoring/metrics", monitoring, a.handleMetrics)
	r.GET("/api/monitoring/prometheus", monitoring, gin.WrapH(a.prom))
	r.GET("/api/channels/stats", monitoring, a.authorized(CapabilityBroadcast, true), a.handleChannelStats)
	r.GET("/api/channels/:name", monitoring, a.authorized(CapabilityBroadcast, true), a.handleChannel)

	broadcast := a.rateLimit("broadcast", a.cfg.BroadcastLimit)
	bcastAuth := a.authorized(CapabilityBroadcast, false)
	r.POST("/api/broadcast", broadcast, bcastAuth, a.serving, a.handleBroadcast)
	r.POST("/api/broadcast/multi", broadcast, bcastAuth, a.serving, a.handleBroadcastMulti)
	r.POST("/api/broadcast/user/:id", broadcast, bcastAuth, a.serving, a.handleBroadcastUser)

	admin := a.rateLimit("admin", a.cfg.AdminLimit)
	adminAuth := a.authorized(CapabilityAdmin, true)
	r.POST("/api/connections/disconnect/:user_id", admin, adminAuth, a.handleDisconnect)
	r.POST("/api/connections/clear-throttle/:user_id", admin, adminAuth, a.handleClearThrottle)
	r.POST("/api/connections/clear-all", admin, adminAuth, a.handleClearAll)
	r.POST("/api/monitoring/reset", admin, adminAuth, a.handleMonitoringReset)
	r.PUT("/api/monitoring/thresholds", admin, adminAuth, a.handleThresholds)

	return r
}

// serving refuses broadcast work while shutting down or critically unhealthy.
func (a *API) serving(c *gin.Context) {
	if a.sockets.Draining() {
		abortError(c, http.StatusServiceUnavailable, "unavailable", "Server is shutting down", nil)
		return
	}
	if a.health.Status() == metrics.Critical {
		abortError(c, http.StatusServiceUnavailable, "unavailable", "Server health is critical", nil)
		return
	}
	c.Next()
}
