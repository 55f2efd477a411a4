package ingest

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/metrics"
)

// NATSBridge subscribes to one subject and forwards every message as a
// broadcast. Reconnects are left to the client library: it retries forever
// and the handlers below log the transitions.
type NATSBridge struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string

	broadcaster Broadcaster
	collector   *metrics.Collector
	logger      zerolog.Logger
}

// NATSConfig configures the bridge connection.
type NATSConfig struct {
	URL     string
	Subject string
}

func NewNATSBridge(cfg NATSConfig, b Broadcaster, col *metrics.Collector, logger zerolog.Logger) (*NATSBridge, error) {
	br := &NATSBridge{
		subject:     cfg.Subject,
		broadcaster: b,
		collector:   col,
		logger:      logging.Component(logger, "ingest_nats"),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("pulse-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			br.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			br.logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			br.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			br.collector.IngestError("nats")
			br.logger.Error().Err(err).Msg("NATS async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	br.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		deliver("nats", msg.Data, br.broadcaster, br.collector, br.logger)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}
	br.sub = sub
	br.logger.Info().Str("subject", cfg.Subject).Msg("NATS ingest started")
	return br, nil
}

// Connected reports the live connection state for the status endpoint.
func (b *NATSBridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Stop drains the subscription so in-flight messages finish, then closes.
func (b *NATSBridge) Stop() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("NATS drain failed")
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	b.logger.Info().Msg("NATS ingest stopped")
}
