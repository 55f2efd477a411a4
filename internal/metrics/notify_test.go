package metrics

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackNotifierPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, zerolog.Nop())
	alert := Alert{
		ID:       "a-1",
		Severity: AlertCritical,
		Kind:     "memory",
		Message:  "memory is critical: 0.95",
		RaisedAt: time.Now(),
	}

	n.AlertRaised(alert)
	n.AlertResolved(alert)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], `"danger"`)
	assert.Contains(t, bodies[0], "memory is critical")
	assert.Contains(t, bodies[0], "pulse-monitor")
	assert.Contains(t, bodies[0], ":rotating_light:")
	assert.Contains(t, bodies[1], `"good"`)
	assert.Contains(t, bodies[1], "Alert resolved")
}

func TestSlackNotifierWithoutURL(t *testing.T) {
	n := NewSlackNotifier("", zerolog.Nop())
	// Nothing configured: calls are no-ops.
	n.AlertRaised(Alert{ID: "a-1", Severity: AlertWarn, Kind: "connections"})
	n.AlertResolved(Alert{ID: "a-1"})
}

func TestMultiNotifierFansOut(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	multi := NewMultiNotifier(a, nil, b)

	multi.AlertRaised(Alert{ID: "a-1", Kind: "connections"})
	multi.AlertResolved(Alert{ID: "a-1", Kind: "connections"})

	assert.Eventually(t, func() bool {
		ar, are := a.counts()
		br, bre := b.counts()
		return ar == 1 && are == 1 && br == 1 && bre == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConsoleNotifierWritesStructuredLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	n := NewConsoleNotifier(logger)

	resolvedAt := time.Now()
	n.AlertRaised(Alert{ID: "a-1", Severity: AlertCritical, Kind: "memory", Message: "too hot"})
	n.AlertResolved(Alert{ID: "a-1", Severity: AlertCritical, Kind: "memory", RaisedAt: resolvedAt.Add(-time.Minute), ResolvedAt: &resolvedAt})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"alert_id":"a-1"`)
	assert.Contains(t, out, "too hot")
	assert.Contains(t, out, "Alert resolved")
}
