// Package dispatch fans broadcast requests out to subscriber sockets. The
// event frame is encoded once per broadcast and shared across every
// delivery; per-socket queues absorb the rest.
package dispatch

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/parleyhq/pulse/internal/channel"
	"github.com/parleyhq/pulse/internal/connection"
	"github.com/parleyhq/pulse/internal/gateway"
	"github.com/parleyhq/pulse/internal/logging"
	"github.com/parleyhq/pulse/internal/metrics"
)

// ErrInvalidBroadcast flags requests missing a channel or event name.
var ErrInvalidBroadcast = errors.New("broadcast needs a channel and an event")

// Sink accepts pre-encoded frames for one socket. *gateway.Gateway
// satisfies it.
type Sink interface {
	Enqueue(socketID string, frame []byte) error
}

// Request is one broadcast item, as posted to the HTTP API or read off a
// message bus.
type Request struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Result summarizes one broadcast. Unknown channels are not failures: zero
// recipients, success true.
type Result struct {
	Channel    string `json:"channel,omitempty"`
	Event      string `json:"event"`
	Recipients int    `json:"recipients"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher resolves channel subscribers and enqueues frames on their
// sockets. A semaphore caps concurrent fan-outs so a burst of large
// broadcasts degrades into queueing instead of unbounded goroutine growth.
type Dispatcher struct {
	sink      Sink
	registry  *channel.Registry
	manager   *connection.Manager
	collector *metrics.Collector
	logger    zerolog.Logger
	inflight  chan struct{}
}

func New(sink Sink, reg *channel.Registry, mgr *connection.Manager, col *metrics.Collector, maxInflight int, logger zerolog.Logger) *Dispatcher {
	if maxInflight <= 0 {
		maxInflight = 256
	}
	return &Dispatcher{
		sink:      sink,
		registry:  reg,
		manager:   mgr,
		collector: col,
		logger:    logging.Component(logger, "dispatch"),
		inflight:  make(chan struct{}, maxInflight),
	}
}

// Broadcast delivers one event to every subscriber of a channel and reports
// how many sockets accepted it.
func (d *Dispatcher) Broadcast(channelName, event string, data any) (Result, error) {
	if channelName == "" || event == "" {
		return Result{Channel: channelName, Event: event}, ErrInvalidBroadcast
	}
	frame, err := gateway.EncodeEvent(event, data)
	if err != nil {
		return Result{Channel: channelName, Event: event}, err
	}

	d.inflight <- struct{}{}
	defer func() { <-d.inflight }()

	subscribers := d.registry.Subscribers(channelName)
	delivered := 0
	for _, socketID := range subscribers {
		if err := d.sink.Enqueue(socketID, frame); err != nil {
			d.collector.EventDropped(dropReason(err))
			continue
		}
		delivered++
	}
	if len(subscribers) > 0 {
		d.registry.Touch(channelName)
	}
	d.collector.BroadcastSent()
	d.collector.EventsDelivered(delivered)

	d.logger.Debug().
		Str("channel", channelName).
		Str("event", event).
		Int("subscribers", len(subscribers)).
		Int("delivered", delivered).
		Msg("Broadcast dispatched")

	return Result{Channel: channelName, Event: event, Recipients: delivered, Success: true}, nil
}

// BroadcastToUser targets one user's active socket, bypassing channels.
// A user with no active connection is not an error: zero recipients.
func (d *Dispatcher) BroadcastToUser(userID int64, event string, data any) (Result, error) {
	if userID <= 0 || event == "" {
		return Result{Event: event}, ErrInvalidBroadcast
	}
	frame, err := gateway.EncodeEvent(event, data)
	if err != nil {
		return Result{Event: event}, err
	}

	d.inflight <- struct{}{}
	defer func() { <-d.inflight }()

	delivered := 0
	if snap, ok := d.manager.Info(userID); ok {
		if err := d.sink.Enqueue(snap.SocketID, frame); err != nil {
			d.collector.EventDropped(dropReason(err))
		} else {
			delivered = 1
		}
	}
	d.collector.BroadcastSent()
	d.collector.EventsDelivered(delivered)
	return Result{Event: event, Recipients: delivered, Success: true}, nil
}

// BroadcastMulti runs a batch of broadcasts and returns one result per item,
// in order. A bad item fails alone; the rest of the batch proceeds.
func (d *Dispatcher) BroadcastMulti(items []Request) []Result {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		res, err := d.Broadcast(item.Channel, item.Event, item.Data)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, gateway.ErrSocketGone):
		return "socket_gone"
	default:
		return "delivery_error"
	}
}
