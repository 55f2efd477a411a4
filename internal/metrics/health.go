package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity is the aggregate health grade.
type Severity string

const (
	Healthy  Severity = "healthy"
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

func severityRank(s Severity) int {
	switch s {
	case Critical:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

// AlertSeverity grades an individual alert.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarn     AlertSeverity = "warn"
	AlertError    AlertSeverity = "error"
	AlertCritical AlertSeverity = "critical"
)

func alertRank(s AlertSeverity) int {
	switch s {
	case AlertCritical:
		return 3
	case AlertError:
		return 2
	case AlertWarn:
		return 1
	default:
		return 0
	}
}

// Alert is one raised condition. ResolvedAt stays nil while it is firing.
type Alert struct {
	ID         string        `json:"id"`
	Severity   AlertSeverity `json:"severity"`
	Kind       string        `json:"kind"`
	Message    string        `json:"message"`
	RaisedAt   time.Time     `json:"raised_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Thresholds holds the warn/critical boundary for each health check. The set
// is mutable at runtime through the admin endpoint.
type Thresholds struct {
	ConnectionsWarn        int64   `json:"connections_warn"`
	ConnectionsCritical    int64   `json:"connections_critical"`
	ResponseTimeWarnMs     float64 `json:"response_time_warn_ms"`
	ResponseTimeCriticalMs float64 `json:"response_time_critical_ms"`
	ErrorRateWarn          float64 `json:"error_rate_warn"`
	ErrorRateCritical      float64 `json:"error_rate_critical"`
	MemoryWarn             float64 `json:"memory_warn"`
	MemoryCritical         float64 `json:"memory_critical"`
}

// DefaultThresholds returns the stock boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConnectionsWarn:        1000,
		ConnectionsCritical:    5000,
		ResponseTimeWarnMs:     500,
		ResponseTimeCriticalMs: 1000,
		ErrorRateWarn:          0.05,
		ErrorRateCritical:      0.10,
		MemoryWarn:             0.80,
		MemoryCritical:         0.90,
	}
}

// Check is one evaluated health predicate.
type Check struct {
	Status   Severity `json:"status"`
	Current  float64  `json:"current"`
	Warn     float64  `json:"warn"`
	Critical float64  `json:"critical"`
}

// HealthReport is the aggregate health view served by the health endpoints.
type HealthReport struct {
	Status        Severity         `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks"`
	ActiveAlerts  int              `json:"active_alerts"`
}

// historyLimit bounds the retained alert list (newest win).
const historyLimit = 100

// Health evaluates the four health predicates against the collector and the
// system sampler, maintains the alert list, and pushes transitions to the
// notifier. Alerts deduplicate by kind: while one is firing, and for a
// cooldown after it was last raised, the same kind is not raised again.
// Escalation (warn to critical) bypasses the dedup.
type Health struct {
	collector *Collector
	system    SystemSource
	notifier  Notifier
	logger    zerolog.Logger
	cooldown  time.Duration

	mu         sync.Mutex
	thresholds Thresholds
	active     map[string]*Alert
	history    []*Alert
	lastRaised map[string]time.Time

	lastStatus atomic.Value // Severity

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHealth builds the evaluator. system and notifier may be nil: without a
// system source the memory check reads as zero, without a notifier
// transitions only reach the log.
func NewHealth(collector *Collector, system SystemSource, thresholds Thresholds, cooldown time.Duration, notifier Notifier, logger zerolog.Logger) *Health {
	h := &Health{
		collector:  collector,
		system:     system,
		notifier:   notifier,
		logger:     logger.With().Str("component", "health").Logger(),
		cooldown:   cooldown,
		thresholds: thresholds,
		active:     make(map[string]*Alert),
		lastRaised: make(map[string]time.Time),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	h.lastStatus.Store(Healthy)
	return h
}

// Start evaluates immediately and then on the given interval until Stop.
func (h *Health) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	h.Evaluate()
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.Evaluate()
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (h *Health) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Thresholds returns the current boundaries.
func (h *Health) Thresholds() Thresholds {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.thresholds
}

// SetThresholds swaps the boundaries; the next evaluation uses them.
func (h *Health) SetThresholds(t Thresholds) {
	h.mu.Lock()
	h.thresholds = t
	h.mu.Unlock()
	h.logger.Info().Interface("thresholds", t).Msg("Health thresholds updated")
}

// Status returns the aggregate severity from the most recent evaluation.
// Cheap enough for per-request gating of broadcast endpoints.
func (h *Health) Status() Severity {
	return h.lastStatus.Load().(Severity)
}

// Evaluate runs all health predicates, updates alert state, and returns the
// aggregate report.
func (h *Health) Evaluate() HealthReport {
	now := time.Now()

	var memFraction float64
	if h.system != nil {
		memFraction = h.system.Latest().MemoryFraction
	}
	rt := h.collector.ResponseTimes()
	total, _, errors := h.collector.HTTPCounts()
	var errorRate float64
	if total > 0 {
		errorRate = float64(errors) / float64(total)
	}

	th := h.Thresholds()
	checks := map[string]Check{
		"connections":   grade(float64(h.collector.ActiveConnections()), float64(th.ConnectionsWarn), float64(th.ConnectionsCritical)),
		"response_time": grade(rt.AvgMs, th.ResponseTimeWarnMs, th.ResponseTimeCriticalMs),
		"error_rate":    grade(errorRate, th.ErrorRateWarn, th.ErrorRateCritical),
		"memory":        grade(memFraction, th.MemoryWarn, th.MemoryCritical),
	}

	status := Healthy
	for kind, check := range checks {
		if severityRank(check.Status) > severityRank(status) {
			status = check.Status
		}
		h.transition(kind, check, now)
	}
	h.lastStatus.Store(status)

	h.mu.Lock()
	activeCount := len(h.active)
	h.mu.Unlock()

	if h.collector.prom != nil {
		h.collector.prom.healthStatus.Set(float64(severityRank(status)))
		h.collector.prom.alertsActive.Set(float64(activeCount))
	}

	return HealthReport{
		Status:        status,
		Timestamp:     now,
		UptimeSeconds: h.collector.Uptime().Seconds(),
		Checks:        checks,
		ActiveAlerts:  activeCount,
	}
}

// RaiseAlert records an out-of-band alert (invariant violations, upstream
// outages). These never auto-resolve; dedup by kind within the cooldown
// still applies.
func (h *Health) RaiseAlert(kind string, severity AlertSeverity, message string) {
	now := time.Now()

	h.mu.Lock()
	if now.Sub(h.lastRaised[kind]) < h.cooldown {
		h.mu.Unlock()
		return
	}
	alert := &Alert{
		ID:       uuid.NewString(),
		Severity: severity,
		Kind:     kind,
		Message:  message,
		RaisedAt: now,
	}
	h.lastRaised[kind] = now
	h.appendHistoryLocked(alert)
	h.mu.Unlock()

	h.notifyRaised(*alert)
}

// Alerts returns the retained alert list, newest first.
func (h *Health) Alerts() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Alert, 0, len(h.history))
	for i := len(h.history) - 1; i >= 0; i-- {
		out = append(out, *h.history[i])
	}
	return out
}

// Reset drops alert history and dedup state. Thresholds survive.
func (h *Health) Reset() {
	h.mu.Lock()
	h.active = make(map[string]*Alert)
	h.history = nil
	h.lastRaised = make(map[string]time.Time)
	h.mu.Unlock()
}

func grade(current, warn, critical float64) Check {
	status := Healthy
	switch {
	case current >= critical:
		status = Critical
	case current >= warn:
		status = Warning
	}
	return Check{Status: status, Current: current, Warn: warn, Critical: critical}
}

// transition reconciles one check result with the alert state.
func (h *Health) transition(kind string, check Check, now time.Time) {
	var raised, resolved *Alert

	h.mu.Lock()
	existing := h.active[kind]
	if check.Status == Healthy {
		if existing != nil {
			t := now
			existing.ResolvedAt = &t
			delete(h.active, kind)
			a := *existing
			resolved = &a
		}
	} else {
		severity := AlertWarn
		if check.Status == Critical {
			severity = AlertCritical
		}
		message := fmt.Sprintf("%s is %s: %.4g (warn %.4g, critical %.4g)",
			kind, check.Status, check.Current, check.Warn, check.Critical)

		switch {
		case existing != nil && alertRank(severity) > alertRank(existing.Severity):
			// Escalation updates the firing alert in place and re-notifies.
			existing.Severity = severity
			existing.Message = message
			h.lastRaised[kind] = now
			a := *existing
			raised = &a
		case existing != nil:
			// Still firing at the same grade.
		case now.Sub(h.lastRaised[kind]) < h.cooldown:
			// Recently raised and resolved; damp the flap.
		default:
			alert := &Alert{
				ID:       uuid.NewString(),
				Severity: severity,
				Kind:     kind,
				Message:  message,
				RaisedAt: now,
			}
			h.active[kind] = alert
			h.lastRaised[kind] = now
			h.appendHistoryLocked(alert)
			a := *alert
			raised = &a
		}
	}
	h.mu.Unlock()

	if raised != nil {
		h.notifyRaised(*raised)
	}
	if resolved != nil {
		h.logger.Info().
			Str("alert_id", resolved.ID).
			Str("kind", resolved.Kind).
			Msg("Health check recovered")
		if h.notifier != nil {
			h.notifier.AlertResolved(*resolved)
		}
	}
}

func (h *Health) notifyRaised(alert Alert) {
	h.logger.Warn().
		Str("alert_id", alert.ID).
		Str("kind", alert.Kind).
		Str("severity", string(alert.Severity)).
		Msg(alert.Message)
	if h.notifier != nil {
		h.notifier.AlertRaised(alert)
	}
}

// appendHistoryLocked keeps the newest historyLimit alerts; caller holds mu.
func (h *Health) appendHistoryLocked(alert *Alert) {
	if len(h.history) >= historyLimit {
		copy(h.history, h.history[1:])
		h.history[len(h.history)-1] = alert
		return
	}
	h.history = append(h.history, alert)
}
