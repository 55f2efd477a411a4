package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier receives alert transitions. Implementations must not block the
// caller for long; the health evaluator invokes them inline.
type Notifier interface {
	AlertRaised(alert Alert)
	AlertResolved(alert Alert)
}

// MultiNotifier fans out to several notifiers, each on its own goroutine so
// one slow sink cannot stall the others.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier builds a fan-out notifier; nil entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &MultiNotifier{notifiers: kept}
}

func (m *MultiNotifier) AlertRaised(alert Alert) {
	for _, n := range m.notifiers {
		go n.AlertRaised(alert)
	}
}

func (m *MultiNotifier) AlertResolved(alert Alert) {
	for _, n := range m.notifiers {
		go n.AlertResolved(alert)
	}
}

// ConsoleNotifier writes alert transitions to the structured log.
type ConsoleNotifier struct {
	logger zerolog.Logger
}

func NewConsoleNotifier(logger zerolog.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logger.With().Str("component", "alerts").Logger()}
}

func (c *ConsoleNotifier) AlertRaised(alert Alert) {
	evt := c.logger.Warn()
	if alert.Severity == AlertCritical || alert.Severity == AlertError {
		evt = c.logger.Error()
	}
	evt.
		Str("alert_id", alert.ID).
		Str("kind", alert.Kind).
		Str("severity", string(alert.Severity)).
		Msg(alert.Message)
}

func (c *ConsoleNotifier) AlertResolved(alert Alert) {
	evt := c.logger.Info().
		Str("alert_id", alert.ID).
		Str("kind", alert.Kind).
		Str("severity", string(alert.Severity))
	if alert.ResolvedAt != nil {
		evt = evt.Dur("active_for", alert.ResolvedAt.Sub(alert.RaisedAt))
	}
	evt.Msg("Alert resolved")
}

// SlackNotifier posts alert transitions to a Slack incoming webhook. Send
// failures are logged and dropped; alerting never takes the server down.
type SlackNotifier struct {
	webhookURL string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

func NewSlackNotifier(webhookURL string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		username:   "pulse-monitor",
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With().Str("component", "slack_notifier").Logger(),
	}
}

func (s *SlackNotifier) AlertRaised(alert Alert) {
	text := fmt.Sprintf("%s *%s alert*", severityEmoji(alert.Severity), alert.Severity)
	s.post(text, severityColor(alert.Severity), alert)
}

func (s *SlackNotifier) AlertResolved(alert Alert) {
	s.post(":white_check_mark: *Alert resolved*", "good", alert)
}

func (s *SlackNotifier) post(text, color string, alert Alert) {
	if s.webhookURL == "" {
		return
	}

	payload := map[string]any{
		"username": s.username,
		"text":     text,
		"attachments": []map[string]any{
			{
				"color": color,
				"title": alert.Message,
				"fields": []map[string]any{
					{"title": "kind", "value": alert.Kind, "short": true},
					{"title": "severity", "value": string(alert.Severity), "short": true},
					{"title": "alert_id", "value": alert.ID, "short": true},
				},
				"timestamp": alert.RaisedAt.Unix(),
				"footer":    "Pulse WebSocket Server",
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Debug().Err(err).Str("alert_id", alert.ID).Msg("Slack webhook post failed")
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func severityColor(severity AlertSeverity) string {
	switch severity {
	case AlertCritical, AlertError:
		return "danger"
	case AlertWarn:
		return "warning"
	default:
		return "good"
	}
}

func severityEmoji(severity AlertSeverity) string {
	switch severity {
	case AlertCritical:
		return ":rotating_light:"
	case AlertError:
		return ":x:"
	case AlertWarn:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
