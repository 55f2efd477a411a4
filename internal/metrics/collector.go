// Package metrics accumulates the server's operational counters, evaluates
// health thresholds, and exposes both a JSON snapshot and a Prometheus
// exposition of the same families.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// responseRingSize bounds the rolling response-time window. Old samples are
// overwritten once the ring is full.
const responseRingSize = 1024

// MethodStats counts verification outcomes for one credential method.
type MethodStats struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// ResponseTimeStats summarizes the rolling response-time window.
type ResponseTimeStats struct {
	AvgMs   float64 `json:"avg_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	P95Ms   float64 `json:"p95_ms"`
	Samples int     `json:"samples"`
}

// ConnectionStats is the connections section of a snapshot.
type ConnectionStats struct {
	Total      int64            `json:"total"`
	Active     int64            `json:"active"`
	Peak       int64            `json:"peak"`
	Failed     int64            `json:"failed"`
	Duplicates int64            `json:"duplicates"`
	ByRole     map[string]int64 `json:"by_role"`
}

// AuthStats is the authentications section of a snapshot.
type AuthStats struct {
	Success  int64                  `json:"success"`
	Failure  int64                  `json:"failure"`
	ByMethod map[string]MethodStats `json:"by_method"`
}

// BroadcastStats is the broadcast section of a snapshot.
type BroadcastStats struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// SubscriptionStats is the subscriptions section of a snapshot.
type SubscriptionStats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

// HTTPStats is the HTTP API section of a snapshot.
type HTTPStats struct {
	Total        int64             `json:"total"`
	Slow         int64             `json:"slow"`
	Errors       int64             `json:"errors"`
	ResponseTime ResponseTimeStats `json:"response_time"`
}

// IngestStats counts messages arriving over the broker bridges.
type IngestStats struct {
	Messages int64 `json:"messages"`
	Errors   int64 `json:"errors"`
}

// Snapshot is the JSON form of every counter the collector tracks.
type Snapshot struct {
	Timestamp       time.Time         `json:"timestamp"`
	UptimeSeconds   float64           `json:"uptime_seconds"`
	Connections     ConnectionStats   `json:"connections"`
	Authentications AuthStats         `json:"authentications"`
	Broadcasts      BroadcastStats    `json:"broadcasts"`
	Subscriptions   SubscriptionStats `json:"subscriptions"`
	HTTP            HTTPStats         `json:"http"`
	Ingest          IngestStats       `json:"ingest"`
}

// Collector is the single write path for operational counters. Event sources
// (gateway, dispatcher, HTTP surface, ingest bridges) call its methods; reads
// come from the health evaluator and the snapshot endpoints. Counters are
// atomics, the role/method maps and the response-time ring sit behind one
// mutex.
type Collector struct {
	startedAt time.Time
	prom      *Prom

	slowThreshold time.Duration

	connectionsTotal     atomic.Int64
	connectionsActive    atomic.Int64
	connectionsPeak      atomic.Int64
	connectionsFailed    atomic.Int64
	connectionsDuplicate atomic.Int64

	authSuccess atomic.Int64
	authFailure atomic.Int64

	broadcastsSent  atomic.Int64
	eventsDelivered atomic.Int64
	eventsDropped   atomic.Int64

	subscriptionsTotal  atomic.Int64
	subscriptionsActive atomic.Int64

	httpTotal  atomic.Int64
	httpSlow   atomic.Int64
	httpErrors atomic.Int64

	ingestMessages atomic.Int64
	ingestErrors   atomic.Int64

	mu         sync.Mutex
	byRole     map[string]int64
	byMethod   map[string]*MethodStats
	ring       [responseRingSize]float64
	ringNext   int
	ringFilled int
}

// NewCollector builds a collector. prom may be nil when no Prometheus export
// is wanted (tests). Requests slower than slowThreshold count as slow.
func NewCollector(prom *Prom, slowThreshold time.Duration) *Collector {
	if slowThreshold <= 0 {
		slowThreshold = 500 * time.Millisecond
	}
	return &Collector{
		startedAt:     time.Now(),
		prom:          prom,
		slowThreshold: slowThreshold,
		byRole:        make(map[string]int64),
		byMethod:      make(map[string]*MethodStats),
	}
}

// ConnectionOpened records a successful handshake for a user with the given
// role and advances the peak gauge if needed.
func (c *Collector) ConnectionOpened(role string) {
	c.connectionsTotal.Add(1)
	active := c.connectionsActive.Add(1)
	for {
		peak := c.connectionsPeak.Load()
		if active <= peak || c.connectionsPeak.CompareAndSwap(peak, active) {
			break
		}
	}

	c.mu.Lock()
	c.byRole[role]++
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.connectionsTotal.Inc()
		c.prom.connectionsActive.Set(float64(active))
		c.prom.connectionsPeak.Set(float64(c.connectionsPeak.Load()))
		c.prom.connectionsByRole.WithLabelValues(role).Inc()
	}
}

// ConnectionClosed records a disconnect with its reason, who initiated it,
// and how long the connection lived.
func (c *Collector) ConnectionClosed(role, reason, initiatedBy string, lifetime time.Duration) {
	active := c.connectionsActive.Add(-1)

	c.mu.Lock()
	if n := c.byRole[role]; n <= 1 {
		delete(c.byRole, role)
	} else {
		c.byRole[role] = n - 1
	}
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.connectionsActive.Set(float64(active))
		c.prom.connectionsByRole.WithLabelValues(role).Dec()
		c.prom.disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
		c.prom.connectionDuration.WithLabelValues(reason).Observe(lifetime.Seconds())
	}
}

// ConnectionFailed records a handshake that never became an active
// connection (auth failure, throttle, capacity, timeout).
func (c *Collector) ConnectionFailed(reason string) {
	c.connectionsFailed.Add(1)
	if c.prom != nil {
		c.prom.connectionsFailed.WithLabelValues(reason).Inc()
	}
}

// ConnectionDuplicate records an attempt rejected because the user already
// held a connection.
func (c *Collector) ConnectionDuplicate() {
	c.connectionsDuplicate.Add(1)
	if c.prom != nil {
		c.prom.connectionsDuplicate.Inc()
	}
}

// AuthResult records one credential verification by method.
func (c *Collector) AuthResult(method string, ok bool) {
	c.mu.Lock()
	stat := c.byMethod[method]
	if stat == nil {
		stat = &MethodStats{}
		c.byMethod[method] = stat
	}
	if ok {
		stat.Success++
	} else {
		stat.Failure++
	}
	c.mu.Unlock()

	result := "failure"
	if ok {
		c.authSuccess.Add(1)
		result = "success"
	} else {
		c.authFailure.Add(1)
	}
	if c.prom != nil {
		c.prom.authTotal.WithLabelValues(method, result).Inc()
	}
}

// BroadcastSent records one dispatched broadcast request.
func (c *Collector) BroadcastSent() {
	c.broadcastsSent.Add(1)
	if c.prom != nil {
		c.prom.broadcastsTotal.Inc()
	}
}

// EventsDelivered records n events enqueued to subscriber sockets.
func (c *Collector) EventsDelivered(n int) {
	if n <= 0 {
		return
	}
	c.eventsDelivered.Add(int64(n))
	if c.prom != nil {
		c.prom.eventsDelivered.Add(float64(n))
	}
}

// EventDropped records one event that could not be enqueued.
func (c *Collector) EventDropped(reason string) {
	c.eventsDropped.Add(1)
	if c.prom != nil {
		c.prom.eventsDropped.WithLabelValues(reason).Inc()
	}
}

// SubscriptionAdded records a new channel subscription.
func (c *Collector) SubscriptionAdded() {
	c.subscriptionsTotal.Add(1)
	active := c.subscriptionsActive.Add(1)
	if c.prom != nil {
		c.prom.subscriptionsTotal.Inc()
		c.prom.subscriptionsActive.Set(float64(active))
	}
}

// SubscriptionsRemoved records n dropped subscriptions (n > 1 on disconnect
// sweeps).
func (c *Collector) SubscriptionsRemoved(n int) {
	if n <= 0 {
		return
	}
	active := c.subscriptionsActive.Add(int64(-n))
	if c.prom != nil {
		c.prom.subscriptionsActive.Set(float64(active))
	}
}

// ObserveHTTP records one HTTP API request: its duration feeds the rolling
// response-time window, 5xx statuses count as errors.
func (c *Collector) ObserveHTTP(duration time.Duration, status int) {
	c.httpTotal.Add(1)
	if duration > c.slowThreshold {
		c.httpSlow.Add(1)
	}
	if status >= 500 {
		c.httpErrors.Add(1)
	}

	ms := float64(duration) / float64(time.Millisecond)
	c.mu.Lock()
	c.ring[c.ringNext] = ms
	c.ringNext = (c.ringNext + 1) % responseRingSize
	if c.ringFilled < responseRingSize {
		c.ringFilled++
	}
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.httpRequestsTotal.Inc()
		c.prom.httpDuration.Observe(duration.Seconds())
		if duration > c.slowThreshold {
			c.prom.httpSlowTotal.Inc()
		}
		if status >= 500 {
			c.prom.httpErrorsTotal.Inc()
		}
	}
}

// IngestMessage records one broadcast message accepted from a broker bridge.
func (c *Collector) IngestMessage(source string) {
	c.ingestMessages.Add(1)
	if c.prom != nil {
		c.prom.ingestMessages.WithLabelValues(source).Inc()
	}
}

// IngestError records one broker message that could not be processed.
func (c *Collector) IngestError(source string) {
	c.ingestErrors.Add(1)
	if c.prom != nil {
		c.prom.ingestErrors.WithLabelValues(source).Inc()
	}
}

// ActiveConnections returns the current active-connection gauge.
func (c *Collector) ActiveConnections() int64 {
	return c.connectionsActive.Load()
}

// HTTPCounts returns the total/slow/error request counters.
func (c *Collector) HTTPCounts() (total, slow, errors int64) {
	return c.httpTotal.Load(), c.httpSlow.Load(), c.httpErrors.Load()
}

// Uptime reports how long the collector (and so the server) has been up.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// ResponseTimes computes avg/min/max/p95 over the rolling window.
func (c *Collector) ResponseTimes() ResponseTimeStats {
	c.mu.Lock()
	n := c.ringFilled
	samples := make([]float64, n)
	copy(samples, c.ring[:n])
	c.mu.Unlock()

	if n == 0 {
		return ResponseTimeStats{}
	}

	sort.Float64s(samples)
	var sum float64
	for _, v := range samples {
		sum += v
	}
	p95 := samples[int(math.Ceil(0.95*float64(n)))-1]
	return ResponseTimeStats{
		AvgMs:   sum / float64(n),
		MinMs:   samples[0],
		MaxMs:   samples[n-1],
		P95Ms:   p95,
		Samples: n,
	}
}

// Snapshot returns the JSON form of all counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	byRole := make(map[string]int64, len(c.byRole))
	for role, n := range c.byRole {
		byRole[role] = n
	}
	byMethod := make(map[string]MethodStats, len(c.byMethod))
	for method, stat := range c.byMethod {
		byMethod[method] = *stat
	}
	c.mu.Unlock()

	return Snapshot{
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Connections: ConnectionStats{
			Total:      c.connectionsTotal.Load(),
			Active:     c.connectionsActive.Load(),
			Peak:       c.connectionsPeak.Load(),
			Failed:     c.connectionsFailed.Load(),
			Duplicates: c.connectionsDuplicate.Load(),
			ByRole:     byRole,
		},
		Authentications: AuthStats{
			Success:  c.authSuccess.Load(),
			Failure:  c.authFailure.Load(),
			ByMethod: byMethod,
		},
		Broadcasts: BroadcastStats{
			Sent:      c.broadcastsSent.Load(),
			Delivered: c.eventsDelivered.Load(),
			Failed:    c.eventsDropped.Load(),
		},
		Subscriptions: SubscriptionStats{
			Total:  c.subscriptionsTotal.Load(),
			Active: c.subscriptionsActive.Load(),
		},
		HTTP: HTTPStats{
			Total:        c.httpTotal.Load(),
			Slow:         c.httpSlow.Load(),
			Errors:       c.httpErrors.Load(),
			ResponseTime: c.ResponseTimes(),
		},
		Ingest: IngestStats{
			Messages: c.ingestMessages.Load(),
			Errors:   c.ingestErrors.Load(),
		},
	}
}

// Reset zeroes the monotonic counters and the response-time window. Live
// gauges survive: active connections and subscriptions still exist, the
// role breakdown tracks them, and peak restarts from the current level.
func (c *Collector) Reset() {
	c.connectionsTotal.Store(0)
	c.connectionsFailed.Store(0)
	c.connectionsDuplicate.Store(0)
	c.connectionsPeak.Store(c.connectionsActive.Load())

	c.authSuccess.Store(0)
	c.authFailure.Store(0)

	c.broadcastsSent.Store(0)
	c.eventsDelivered.Store(0)
	c.eventsDropped.Store(0)

	c.subscriptionsTotal.Store(0)

	c.httpTotal.Store(0)
	c.httpSlow.Store(0)
	c.httpErrors.Store(0)

	c.ingestMessages.Store(0)
	c.ingestErrors.Store(0)

	c.mu.Lock()
	c.byMethod = make(map[string]*MethodStats)
	c.ringNext = 0
	c.ringFilled = 0
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.connectionsPeak.Set(float64(c.connectionsPeak.Load()))
	}
}
