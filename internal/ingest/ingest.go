// Package ingest feeds broadcasts into the dispatcher from message buses.
// The upstream application can publish to NATS or Kafka instead of (or in
// addition to) calling the HTTP broadcast endpoints; either way the payload
// is the same JSON broadcast request.
package ingest

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/parleyhq/pulse/internal/dispatch"
	"github.com/parleyhq/pulse/internal/metrics"
)

// Broadcaster is the dispatch surface bridges deliver into. Satisfied by
// *dispatch.Dispatcher.
type Broadcaster interface {
	Broadcast(channel, event string, data any) (dispatch.Result, error)
}

// deliver decodes one bus payload and hands it to the dispatcher. Malformed
// or incomplete payloads are counted and dropped; the bus does not get an
// error back, so logging is the only trace.
func deliver(source string, payload []byte, b Broadcaster, col *metrics.Collector, logger zerolog.Logger) {
	var req dispatch.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		col.IngestError(source)
		logger.Warn().Err(err).Str("source", source).Msg("Undecodable ingest payload")
		return
	}
	if req.Channel == "" || req.Event == "" {
		col.IngestError(source)
		logger.Warn().
			Str("source", source).
			Str("channel", req.Channel).
			Str("event", req.Event).
			Msg("Ingest payload missing channel or event")
		return
	}

	result, err := b.Broadcast(req.Channel, req.Event, req.Data)
	if err != nil {
		col.IngestError(source)
		logger.Warn().Err(err).Str("source", source).Str("channel", req.Channel).Msg("Ingest broadcast failed")
		return
	}
	col.IngestMessage(source)
	logger.Debug().
		Str("source", source).
		Str("channel", req.Channel).
		Str("event", req.Event).
		Int("recipients", result.Recipients).
		Msg("Ingest broadcast dispatched")
}
