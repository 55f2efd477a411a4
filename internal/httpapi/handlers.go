package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/pulse/internal/dispatch"
	"github.com/parleyhq/pulse/internal/metrics"
)

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// handleRoot serves the service descriptor upstream integrations probe.
func (a *API) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "pulse",
		"version":     a.cfg.Version,
		"environment": a.cfg.Environment,
		"socket_url":  "/socket.io/",
		"transports":  []string{"polling", "websocket"},
	})
}

// handleHealth evaluates the health predicates on demand. Always 200 while
// the process serves; the status field carries the grade.
func (a *API) handleHealth(c *gin.Context) {
	report := a.health.Evaluate()
	c.JSON(http.StatusOK, gin.H{
		"service":        "pulse",
		"status":         report.Status,
		"timestamp":      report.Timestamp,
		"uptime_seconds": report.UptimeSeconds,
		"checks":         report.Checks,
		"active_alerts":  report.ActiveAlerts,
		"connections": gin.H{
			"active":   a.collector.ActiveConnections(),
			"sessions": a.sockets.SocketCount(),
		},
	})
}

// handleStatus is the feature-flags view.
func (a *API) handleStatus(c *gin.Context) {
	body := gin.H{
		"service":     "pulse",
		"version":     a.cfg.Version,
		"environment": a.cfg.Environment,
		"draining":    a.sockets.Draining(),
		"features": gin.H{
			"tls":           a.cfg.TLS,
			"jwt_auth":      a.cfg.JWTEnabled,
			"query_tokens":  a.cfg.QueryTokens,
			"nats_ingest":   a.cfg.NATSIngest,
			"kafka_ingest":  a.cfg.KafkaIngest,
			"slack_alerts":  a.cfg.SlackAlerter,
			"long_polling":  true,
			"rate_limiting": true,
		},
	}
	if a.natsConnected != nil {
		body["ingest"] = gin.H{"nats_connected": a.natsConnected()}
	}
	c.JSON(http.StatusOK, body)
}

// handleMetrics serves the JSON snapshot: counters, registry aggregates,
// system sample, health status, and the retained alert list.
func (a *API) handleMetrics(c *gin.Context) {
	body := gin.H{
		"metrics":  a.collector.Snapshot(),
		"channels": a.registry.Stats(),
		"health":   a.health.Status(),
		"alerts":   a.health.Alerts(),
	}
	if a.system != nil {
		body["system"] = a.system.Latest()
	}
	c.JSON(http.StatusOK, body)
}

type broadcastRequest struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func (r broadcastRequest) validate() []fieldError {
	var details []fieldError
	if r.Channel == "" {
		details = append(details, fieldError{Field: "channel", Message: "channel is required"})
	}
	if r.Event == "" {
		details = append(details, fieldError{Field: "event", Message: "event is required"})
	}
	return details
}

func (a *API) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid JSON body", nil)
		return
	}
	if details := req.validate(); details != nil {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid broadcast request", details)
		return
	}

	result, err := a.broadcaster.Broadcast(req.Channel, req.Event, req.Data)
	if err != nil {
		abortError(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"recipients": result.Recipients,
		"timestamp":  isoNow(),
	})
}

func (a *API) handleBroadcastMulti(c *gin.Context) {
	var req struct {
		Broadcasts []dispatch.Request `json:"broadcasts"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid JSON body", nil)
		return
	}
	if len(req.Broadcasts) == 0 {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid multi-broadcast request",
			[]fieldError{{Field: "broadcasts", Message: "at least one broadcast is required"}})
		return
	}
	if len(req.Broadcasts) > maxMultiItems {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid multi-broadcast request",
			[]fieldError{{Field: "broadcasts", Message: "at most " + strconv.Itoa(maxMultiItems) + " broadcasts per batch"}})
		return
	}

	results := a.broadcaster.BroadcastMulti(req.Broadcasts)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"results":   results,
		"timestamp": isoNow(),
	})
}

func (a *API) handleBroadcastUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || userID <= 0 {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid user id",
			[]fieldError{{Field: "id", Message: "must be a positive integer"}})
		return
	}
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid JSON body", nil)
		return
	}
	if req.Event == "" {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid broadcast request",
			[]fieldError{{Field: "event", Message: "event is required"}})
		return
	}

	result, err := a.broadcaster.BroadcastToUser(userID, req.Event, req.Data)
	if err != nil {
		abortError(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"delivered": result.Recipients > 0,
		"timestamp": isoNow(),
	})
}

func (a *API) handleChannelStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"stats":     a.registry.Stats(),
		"timestamp": isoNow(),
	})
}

func (a *API) handleChannel(c *gin.Context) {
	name := c.Param("name")
	info, ok := a.registry.Channel(name)
	if !ok {
		abortError(c, http.StatusNotFound, "not_found", "Unknown channel", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "channel": info})
}

func (a *API) handleDisconnect(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid user id",
			[]fieldError{{Field: "user_id", Message: "must be a positive integer"}})
		return
	}
	if !a.manager.ForceDisconnect(userID, "admin") {
		abortError(c, http.StatusNotFound, "not_found", "User has no active connection", nil)
		return
	}
	a.logger.Info().Int64("user_id", userID).Str(requestIDKey, c.GetString(requestIDKey)).Msg("Admin force disconnect")
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": userID})
}

// handleClearThrottle lifts a user's reconnect throttle without touching
// their live connection.
func (a *API) handleClearThrottle(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid user id",
			[]fieldError{{Field: "user_id", Message: "must be a positive integer"}})
		return
	}
	a.manager.ClearThrottle(userID)
	a.logger.Info().Int64("user_id", userID).Str(requestIDKey, c.GetString(requestIDKey)).Msg("Admin throttle clear")
	c.JSON(http.StatusOK, gin.H{"success": true, "user_id": userID})
}

// handleClearAll drops every socket, clears slots and throttles, and flushes
// the identity cache. Used by deploy tooling and the test suite.
func (a *API) handleClearAll(c *gin.Context) {
	disconnected := a.sockets.CloseAll("admin_clear")
	cleared := a.manager.ClearAll("admin_clear")
	flushed := a.verifier.FlushCache()
	a.logger.Warn().
		Int("disconnected", disconnected).
		Int("slots_cleared", cleared).
		Int("cache_flushed", flushed).
		Msg("Admin clear-all executed")
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"disconnected":  disconnected,
		"slots_cleared": cleared,
		"cache_flushed": flushed,
	})
}

func (a *API) handleMonitoringReset(c *gin.Context) {
	a.collector.Reset()
	a.health.Reset()
	a.logger.Warn().Str(requestIDKey, c.GetString(requestIDKey)).Msg("Monitoring counters reset")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// thresholdPatch carries a partial threshold update; absent fields keep
// their current value.
type thresholdPatch struct {
	ConnectionsWarn        *int64   `json:"connections_warn"`
	ConnectionsCritical    *int64   `json:"connections_critical"`
	ResponseTimeWarnMs     *float64 `json:"response_time_warn_ms"`
	ResponseTimeCriticalMs *float64 `json:"response_time_critical_ms"`
	ErrorRateWarn          *float64 `json:"error_rate_warn"`
	ErrorRateCritical      *float64 `json:"error_rate_critical"`
	MemoryWarn             *float64 `json:"memory_warn"`
	MemoryCritical         *float64 `json:"memory_critical"`
}

func (a *API) handleThresholds(c *gin.Context) {
	var patch thresholdPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid JSON body", nil)
		return
	}

	t := a.health.Thresholds()
	if patch.ConnectionsWarn != nil {
		t.ConnectionsWarn = *patch.ConnectionsWarn
	}
	if patch.ConnectionsCritical != nil {
		t.ConnectionsCritical = *patch.ConnectionsCritical
	}
	if patch.ResponseTimeWarnMs != nil {
		t.ResponseTimeWarnMs = *patch.ResponseTimeWarnMs
	}
	if patch.ResponseTimeCriticalMs != nil {
		t.ResponseTimeCriticalMs = *patch.ResponseTimeCriticalMs
	}
	if patch.ErrorRateWarn != nil {
		t.ErrorRateWarn = *patch.ErrorRateWarn
	}
	if patch.ErrorRateCritical != nil {
		t.ErrorRateCritical = *patch.ErrorRateCritical
	}
	if patch.MemoryWarn != nil {
		t.MemoryWarn = *patch.MemoryWarn
	}
	if patch.MemoryCritical != nil {
		t.MemoryCritical = *patch.MemoryCritical
	}

	if details := validateThresholds(t); details != nil {
		abortError(c, http.StatusBadRequest, "validation_error", "Invalid thresholds", details)
		return
	}
	a.health.SetThresholds(t)
	c.JSON(http.StatusOK, gin.H{"success": true, "thresholds": t})
}

func validateThresholds(t metrics.Thresholds) []fieldError {
	var details []fieldError
	if t.ConnectionsWarn <= 0 || t.ConnectionsWarn >= t.ConnectionsCritical {
		details = append(details, fieldError{Field: "connections_warn", Message: "must be positive and below critical"})
	}
	if t.ResponseTimeWarnMs <= 0 || t.ResponseTimeWarnMs >= t.ResponseTimeCriticalMs {
		details = append(details, fieldError{Field: "response_time_warn_ms", Message: "must be positive and below critical"})
	}
	if t.ErrorRateWarn <= 0 || t.ErrorRateWarn >= t.ErrorRateCritical {
		details = append(details, fieldError{Field: "error_rate_warn", Message: "must be positive and below critical"})
	}
	if t.MemoryWarn <= 0 || t.MemoryWarn >= t.MemoryCritical || t.MemoryCritical > 1 {
		details = append(details, fieldError{Field: "memory_warn", Message: "must satisfy 0 < warn < critical <= 1"})
	}
	return details
}
