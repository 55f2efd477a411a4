// Package server assembles the components into one process: the socket
// gateway on /socket.io/, the HTTP RPC surface everywhere else, the bus
// ingest bridges, and the monitoring loops. It owns startup order and the
// graceful drain on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parleyhq/pulse/internal/auth"
	"github.com/parleyhq/pulse/internal/channel"
	"github.com/parleyhq/pulse/internal/config"
	"github.com/parleyhq/pulse/internal/connection"
	"github.com/parleyhq/pulse/internal/dispatch"
	"github.com/parleyhq/pulse/internal/gateway"
	"github.com/parleyhq/pulse/internal/httpapi"
	"github.com/parleyhq/pulse/internal/ingest"
	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/metrics"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server wires every component and runs the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	prom       *metrics.Prom
	collector  *metrics.Collector
	sampler    *metrics.Sampler
	health     *metrics.Health
	verifier   *auth.Verifier
	registry   *channel.Registry
	manager    *connection.Manager
	gateway    *gateway.Gateway
	dispatcher *dispatch.Dispatcher
	api        *httpapi.API

	ingestMu    sync.Mutex
	natsBridge  *ingest.NATSBridge
	kafkaBridge *ingest.KafkaBridge

	httpSrv  *http.Server
	listener net.Listener
}

// New builds the component graph. No sockets are opened until Start.
func New(cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logging.Component(logger, "server"),
	}

	s.prom = metrics.NewProm()
	slowThreshold := time.Duration(cfg.ThresholdResponseMSWarn) * time.Millisecond
	s.collector = metrics.NewCollector(s.prom, slowThreshold)
	s.sampler = metrics.NewSampler(cfg.MonitorInterval, s.prom, logger)

	notifiers := []metrics.Notifier{metrics.NewConsoleNotifier(logger)}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, metrics.NewSlackNotifier(cfg.SlackWebhookURL, logger))
	}
	s.health = metrics.NewHealth(s.collector, s.sampler, metrics.Thresholds{
		ConnectionsWarn:        int64(cfg.ThresholdConnectionsWarn),
		ConnectionsCritical:    int64(cfg.ThresholdConnectionsCritical),
		ResponseTimeWarnMs:     cfg.ThresholdResponseMSWarn,
		ResponseTimeCriticalMs: cfg.ThresholdResponseMSCritical,
		ErrorRateWarn:          cfg.ThresholdErrorRateWarn,
		ErrorRateCritical:      cfg.ThresholdErrorRateCritical,
		MemoryWarn:             cfg.ThresholdMemoryWarn,
		MemoryCritical:         cfg.ThresholdMemoryCritical,
	}, cfg.AlertCooldown, metrics.NewMultiNotifier(notifiers...), logger)

	s.verifier = auth.NewVerifier(auth.VerifierConfig{
		UpstreamURL: cfg.UpstreamAPIURL,
		APIKey:      cfg.UpstreamAPIKey,
		JWTSecret:   cfg.JWTSecret,
		CacheTTL:    cfg.VerifyCacheTTL,
		Timeout:     cfg.VerifyTimeout,
		Logger:      logger,
	})

	s.registry = channel.NewRegistry(cfg.MaxChannelSubscribers)
	s.manager = connection.NewManager(connection.Config{
		ThrottleWindow:   cfg.ThrottleWindow,
		MaxAttempts:      cfg.ThrottleMaxAttempts,
		ThrottleCooldown: cfg.ThrottleCooldown,
		PendingTTL:       cfg.PendingClaimTTL,
	}, logger)

	s.gateway = gateway.New(gateway.Config{
		PingInterval:     cfg.PingInterval,
		PingTimeout:      cfg.PingTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendQueueSize:    cfg.SendQueueSize,
		SendQueueBytes:   int64(cfg.SendQueueBytes),
		MaxConnections:   cfg.MaxConnections,
		ConnRatePerIP:    float64(cfg.ConnRatePerIP),
		ConnBurstPerIP:   cfg.ConnRatePerIP * 2,
		ConnRateGlobal:   float64(cfg.ConnRateGlobal),
		ConnBurstGlobal:  cfg.ConnRateGlobal * 2,
		AllowQueryToken:  cfg.AllowQueryToken,
		AllowedOrigins:   originAllowlist(cfg.CORSOrigins()),
	}, s.verifier, s.manager, s.registry, s.collector, logger)
	s.manager.SetCloser(s.gateway.CloseSocket)

	s.dispatcher = dispatch.New(s.gateway, s.registry, s.manager, s.collector, cfg.BroadcastInflight, logger)

	deps := httpapi.Deps{
		Verifier:    s.verifier,
		Broadcaster: s.dispatcher,
		Registry:    s.registry,
		Manager:     s.manager,
		Sockets:     s.gateway,
		Collector:   s.collector,
		Health:      s.health,
		PromHandler: s.prom.Handler(),
		System:      s.sampler,
	}
	if cfg.NATSURL != "" {
		deps.NATSConnected = s.natsConnected
	}

	s.api = httpapi.New(httpapi.Config{
		Version:         Version,
		Environment:     cfg.Environment,
		APIKey:          cfg.UpstreamAPIKey,
		AdminKey:        cfg.AdminSecret(),
		CORSOrigins:     cfg.CORSOrigins(),
		RequestTimeout:  cfg.VerifyTimeout,
		Window:          cfg.RateLimitWindow(),
		PublicLimit:     cfg.RateLimitMaxRequests,
		MonitoringLimit: cfg.RateLimitMonitoring,
		AdminLimit:      cfg.RateLimitAdmin,
		BroadcastLimit:  cfg.RateLimitBroadcast,
		TLS:             cfg.TLSEnabled(),
		JWTEnabled:      cfg.JWTSecret != "",
		QueryTokens:     cfg.AllowQueryToken,
		NATSIngest:      cfg.NATSURL != "",
		KafkaIngest:     cfg.KafkaBrokers != "",
		SlackAlerter:    cfg.SlackWebhookURL != "",
	}, deps, logger)

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.gateway)
	mux.Handle("/", s.api.Handler())

	s.httpSrv = &http.Server{
		Handler: mux,
		// No WriteTimeout: long-polling parks GET requests for up to the
		// poll window, and websocket connections live indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// originAllowlist converts the CORS origin list into the gateway's origin
// check input. A wildcard means no restriction.
func originAllowlist(origins []string) []string {
	for _, o := range origins {
		if o == "*" {
			return nil
		}
	}
	return origins
}

// Start binds the listener, launches the HTTP server, and starts the
// monitoring loops and ingest bridges. Returns once the listener is bound;
// serve errors after that are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	if s.cfg.NATSURL != "" {
		bridge, err := ingest.NewNATSBridge(ingest.NATSConfig{
			URL:     s.cfg.NATSURL,
			Subject: s.cfg.NATSSubject,
		}, s.dispatcher, s.collector, s.logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("nats ingest: %w", err)
		}
		s.ingestMu.Lock()
		s.natsBridge = bridge
		s.ingestMu.Unlock()
	}
	if s.cfg.KafkaBrokers != "" {
		bridge, err := ingest.NewKafkaBridge(ingest.KafkaConfig{
			Brokers: s.cfg.KafkaBrokerList(),
			Topics:  s.cfg.KafkaTopicList(),
			Group:   s.cfg.KafkaGroup,
		}, s.dispatcher, s.collector, s.logger)
		if err != nil {
			s.stopIngest()
			ln.Close()
			return fmt.Errorf("kafka ingest: %w", err)
		}
		s.ingestMu.Lock()
		s.kafkaBridge = bridge
		s.ingestMu.Unlock()
	}

	s.sampler.Start()
	s.health.Start(s.cfg.MonitorInterval)

	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpSrv.ServeTLS(ln, s.cfg.SSLCertPath, s.cfg.SSLKeyPath)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.logger.Info().
		Str("addr", s.Addr()).
		Bool("tls", s.cfg.TLSEnabled()).
		Str("version", Version).
		Msg("Server started")
	return nil
}

// Addr reports the bound listen address. Useful when Port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown drains gracefully: refuse new work, warn connected clients, wait
// up to the grace window for sockets to leave on their own, then force the
// rest and release every component.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info().Dur("grace", s.cfg.ShutdownGrace).Msg("Shutdown initiated")

	s.gateway.SetDraining(true)
	s.stopIngest()

	if frame, err := gateway.EncodeEvent("force_disconnect", map[string]string{"reason": "server_shutdown"}); err == nil {
		notified := s.gateway.EnqueueAll(frame)
		s.logger.Info().Int("notified", notified).Msg("Shutdown notice sent")
	}

	s.drainSockets(ctx)

	if closed := s.gateway.CloseAll("server_shutdown"); closed > 0 {
		s.logger.Warn().Int("closed", closed).Msg("Force-closed remaining sockets")
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	s.gateway.Stop()
	s.manager.Stop()
	s.health.Stop()
	s.sampler.Stop()
	s.api.Close()
	s.registry.Clear()

	s.logger.Info().Msg("Shutdown complete")
}

// drainSockets waits for clients to disconnect after the shutdown notice,
// bounded by the grace window and the caller's context.
func (s *Server) drainSockets(ctx context.Context) {
	if s.gateway.SocketCount() == 0 {
		return
	}
	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	check := time.NewTicker(100 * time.Millisecond)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-grace.C:
			s.logger.Warn().Int("remaining", s.gateway.SocketCount()).Msg("Drain grace expired")
			return
		case <-check.C:
			if s.gateway.SocketCount() == 0 {
				s.logger.Info().Msg("All sockets drained")
				return
			}
		}
	}
}

func (s *Server) stopIngest() {
	s.ingestMu.Lock()
	nats, kafka := s.natsBridge, s.kafkaBridge
	s.natsBridge, s.kafkaBridge = nil, nil
	s.ingestMu.Unlock()
	if nats != nil {
		nats.Stop()
	}
	if kafka != nil {
		kafka.Stop()
	}
}

// natsConnected feeds the status endpoint. The bridge pointer is guarded
// because shutdown nils it while handlers may still be serving.
func (s *Server) natsConnected() bool {
	s.ingestMu.Lock()
	bridge := s.natsBridge
	s.ingestMu.Unlock()
	return bridge != nil && bridge.Connected()
}
