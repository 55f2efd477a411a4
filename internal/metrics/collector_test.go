package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionCounters(t *testing.T) {
	c := NewCollector(NewProm(), 500*time.Millisecond)

	c.ConnectionOpened("member")
	c.ConnectionOpened("member")
	c.ConnectionOpened("admin")
	c.ConnectionFailed("auth_failed")
	c.ConnectionDuplicate()

	snap := c.Snapshot()
	assert.EqualValues(t, 3, snap.Connections.Total)
	assert.EqualValues(t, 3, snap.Connections.Active)
	assert.EqualValues(t, 3, snap.Connections.Peak)
	assert.EqualValues(t, 1, snap.Connections.Failed)
	assert.EqualValues(t, 1, snap.Connections.Duplicates)
	assert.Equal(t, map[string]int64{"member": 2, "admin": 1}, snap.Connections.ByRole)

	c.ConnectionClosed("member", "client_initiated", "client", time.Minute)
	snap = c.Snapshot()
	assert.EqualValues(t, 2, snap.Connections.Active)
	assert.EqualValues(t, 3, snap.Connections.Peak, "peak survives disconnects")
	assert.Equal(t, map[string]int64{"member": 1, "admin": 1}, snap.Connections.ByRole)
}

func TestPeakIsMonotonic(t *testing.T) {
	c := NewCollector(nil, 0)

	for i := 0; i < 3; i++ {
		c.ConnectionOpened("member")
	}
	c.ConnectionClosed("member", "client_initiated", "client", time.Second)
	c.ConnectionClosed("member", "client_initiated", "client", time.Second)
	c.ConnectionOpened("member")

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.Connections.Active)
	assert.EqualValues(t, 3, snap.Connections.Peak)
}

func TestAuthByMethod(t *testing.T) {
	c := NewCollector(nil, 0)

	c.AuthResult("jwt", true)
	c.AuthResult("jwt", true)
	c.AuthResult("jwt", false)
	c.AuthResult("opaque", true)

	snap := c.Snapshot()
	assert.EqualValues(t, 3, snap.Authentications.Success)
	assert.EqualValues(t, 1, snap.Authentications.Failure)
	assert.Equal(t, MethodStats{Success: 2, Failure: 1}, snap.Authentications.ByMethod["jwt"])
	assert.Equal(t, MethodStats{Success: 1, Failure: 0}, snap.Authentications.ByMethod["opaque"])
}

func TestBroadcastAndSubscriptionCounters(t *testing.T) {
	c := NewCollector(nil, 0)

	c.BroadcastSent()
	c.EventsDelivered(5)
	c.EventDropped("backpressure")
	c.SubscriptionAdded()
	c.SubscriptionAdded()
	c.SubscriptionAdded()
	c.SubscriptionsRemoved(2)

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.Broadcasts.Sent)
	assert.EqualValues(t, 5, snap.Broadcasts.Delivered)
	assert.EqualValues(t, 1, snap.Broadcasts.Failed)
	assert.EqualValues(t, 3, snap.Subscriptions.Total)
	assert.EqualValues(t, 1, snap.Subscriptions.Active)
}

func TestResponseTimeWindow(t *testing.T) {
	c := NewCollector(nil, time.Second)

	for i := 1; i <= 100; i++ {
		c.ObserveHTTP(time.Duration(i)*time.Millisecond, 200)
	}

	stats := c.ResponseTimes()
	require.Equal(t, 100, stats.Samples)
	assert.InDelta(t, 50.5, stats.AvgMs, 0.01)
	assert.InDelta(t, 1, stats.MinMs, 0.01)
	assert.InDelta(t, 100, stats.MaxMs, 0.01)
	assert.InDelta(t, 95, stats.P95Ms, 0.01)
}

func TestResponseTimeEmptyWindow(t *testing.T) {
	c := NewCollector(nil, 0)
	assert.Equal(t, ResponseTimeStats{}, c.ResponseTimes())
}

func TestObserveHTTPClassification(t *testing.T) {
	c := NewCollector(nil, 500*time.Millisecond)

	c.ObserveHTTP(600*time.Millisecond, 200) // slow
	c.ObserveHTTP(10*time.Millisecond, 502)  // server error
	c.ObserveHTTP(10*time.Millisecond, 404)  // client errors are not server errors

	total, slow, errors := c.HTTPCounts()
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 1, slow)
	assert.EqualValues(t, 1, errors)
}

func TestIngestCounters(t *testing.T) {
	c := NewCollector(nil, 0)

	c.IngestMessage("nats")
	c.IngestMessage("kafka")
	c.IngestError("kafka")

	snap := c.Snapshot()
	assert.EqualValues(t, 2, snap.Ingest.Messages)
	assert.EqualValues(t, 1, snap.Ingest.Errors)
}

func TestReset(t *testing.T) {
	c := NewCollector(NewProm(), 500*time.Millisecond)

	c.ConnectionOpened("member")
	c.ConnectionOpened("admin")
	c.ConnectionFailed("throttled")
	c.AuthResult("jwt", true)
	c.BroadcastSent()
	c.SubscriptionAdded()
	c.ObserveHTTP(700*time.Millisecond, 500)

	c.Reset()

	snap := c.Snapshot()
	assert.EqualValues(t, 0, snap.Connections.Total)
	assert.EqualValues(t, 0, snap.Connections.Failed)
	assert.EqualValues(t, 0, snap.Authentications.Success)
	assert.EqualValues(t, 0, snap.Broadcasts.Sent)
	assert.EqualValues(t, 0, snap.HTTP.Total)
	assert.EqualValues(t, 0, snap.HTTP.ResponseTime.Samples)

	// Live gauges survive a reset.
	assert.EqualValues(t, 2, snap.Connections.Active)
	assert.EqualValues(t, 2, snap.Connections.Peak, "peak restarts from the current level")
	assert.Equal(t, map[string]int64{"member": 1, "admin": 1}, snap.Connections.ByRole)
	assert.EqualValues(t, 1, snap.Subscriptions.Active)
	assert.EqualValues(t, 0, snap.Subscriptions.Total)
}
