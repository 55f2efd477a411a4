package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/pulse/internal/auth"
	"github.com/parleyhq/pulse/internal/channel"
	"github.com/parleyhq/pulse/internal/connection"
	"github.com/parleyhq/pulse/internal/dispatch"
	"github.com/parleyhq/pulse/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAPIKey   = "test-upstream-secret"
	testAdminKey = "test-admin-secret"
	testJWTKey   = "test-signing-secret"
)

// fakeSockets records admin close calls without a real gateway.
type fakeSockets struct {
	mu       sync.Mutex
	closed   int
	count    int
	draining bool
}

func (f *fakeSockets) CloseAll(string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	n := f.count
	f.count = 0
	return n
}

func (f *fakeSockets) SocketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeSockets) Draining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining
}

// fanSink captures frames the dispatcher enqueues.
type fanSink struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newFanSink() *fanSink { return &fanSink{frames: make(map[string][][]byte)} }

func (s *fanSink) Enqueue(socketID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[socketID] = append(s.frames[socketID], frame)
	return nil
}

func (s *fanSink) count(socketID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[socketID])
}

type apiHarness struct {
	api     *API
	srv     *httptest.Server
	reg     *channel.Registry
	mgr     *connection.Manager
	col     *metrics.Collector
	health  *metrics.Health
	sink    *fanSink
	sockets *fakeSockets
	issuer  *auth.TokenIssuer
}

func defaultTestConfig() Config {
	return Config{
		Version:         "test",
		Environment:     "test",
		APIKey:          testAPIKey,
		AdminKey:        testAdminKey,
		Window:          time.Minute,
		PublicLimit:     100,
		MonitoringLimit: 100,
		AdminLimit:      100,
		BroadcastLimit:  100,
		JWTEnabled:      true,
	}
}

func newAPIHarness(t *testing.T, cfg Config, mutate ...func(*Deps)) *apiHarness {
	t.Helper()
	logger := zerolog.Nop()

	reg := channel.NewRegistry(0)
	mgr := connection.NewManager(connection.Config{
		ThrottleWindow:   time.Second,
		MaxAttempts:      100,
		ThrottleCooldown: time.Second,
		PendingTTL:       time.Second,
	}, logger)
	t.Cleanup(mgr.Stop)

	col := metrics.NewCollector(nil, 500*time.Millisecond)
	health := metrics.NewHealth(col, nil, metrics.DefaultThresholds(), time.Minute, nil, logger)
	sink := newFanSink()
	disp := dispatch.New(sink, reg, mgr, col, 16, logger)
	verifier := auth.NewVerifier(auth.VerifierConfig{
		JWTSecret: testJWTKey,
		CacheTTL:  time.Second,
		Timeout:   time.Second,
		Logger:    logger,
	})
	sockets := &fakeSockets{}

	deps := Deps{
		Verifier:    verifier,
		Broadcaster: disp,
		Registry:    reg,
		Manager:     mgr,
		Sockets:     sockets,
		Collector:   col,
		Health:      health,
		PromHandler: metrics.NewProm().Handler(),
	}
	for _, m := range mutate {
		m(&deps)
	}
	api := New(cfg, deps, logger)
	t.Cleanup(api.Close)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiHarness{
		api:     api,
		srv:     srv,
		reg:     reg,
		mgr:     mgr,
		col:     col,
		health:  health,
		sink:    sink,
		sockets: sockets,
		issuer:  auth.NewTokenIssuer(testJWTKey, time.Hour),
	}
}

func (h *apiHarness) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func upstreamHeaders() map[string]string {
	return map[string]string{apiKeyHeader: testAPIKey}
}

func adminHeaders() map[string]string {
	return map[string]string{apiKeyHeader: testAdminKey}
}

func TestRootDescriptor(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, body := h.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pulse", body["service"])
	assert.Equal(t, "/socket.io/", body["socket_url"])
}

func TestHealthAlwaysServes(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, body := h.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "checks")
}

func TestBroadcastRequiresSecret(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())

	resp, _ := h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"public.news","event":"x","data":{}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"public.news","event":"x","data":{}}`,
		map[string]string{apiKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBroadcastWithBearerCapability(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())

	granted, err := h.issuer.Generate(auth.Identity{
		UserID: 5, Role: auth.RoleBusiness, Permissions: []string{CapabilityBroadcast},
	})
	require.NoError(t, err)
	resp, body := h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"public.news","event":"x","data":{}}`,
		map[string]string{"Authorization": "Bearer " + granted})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	lacking, err := h.issuer.Generate(auth.Identity{UserID: 6, Role: auth.RoleMember})
	require.NoError(t, err)
	resp, _ = h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"public.news","event":"x","data":{}}`,
		map[string]string{"Authorization": "Bearer " + lacking})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBroadcastDelivers(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	require.NoError(t, h.reg.Subscribe("sock-1", 42, "private-user.42"))

	resp, body := h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"private-user.42","event":"notification.sent","data":{"title":"Hi"}}`,
		upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["recipients"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, 1, h.sink.count("sock-1"))
}

func TestBroadcastUnknownChannelSucceedsWithZeroRecipients(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, body := h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"public.ghost-town","event":"x","data":null}`, upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 0, body["recipients"])
}

func TestBroadcastValidation(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, body := h.do(t, http.MethodPost, "/api/broadcast",
		`{"event":"","data":{}}`, upstreamHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["error"])
	details := body["details"].([]any)
	assert.Len(t, details, 2)
}

func TestBroadcastMultiPartialFailure(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	require.NoError(t, h.reg.Subscribe("sock-1", 1, "public.a"))

	resp, body := h.do(t, http.MethodPost, "/api/broadcast/multi",
		`{"broadcasts":[
			{"channel":"public.a","event":"e1","data":{}},
			{"channel":"","event":"e2","data":{}},
			{"channel":"public.b","event":"e3","data":{}}
		]}`, upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	results := body["results"].([]any)
	require.Len(t, results, 3)
	first := results[0].(map[string]any)
	assert.Equal(t, true, first["success"])
	assert.EqualValues(t, 1, first["recipients"])
	second := results[1].(map[string]any)
	assert.Equal(t, false, second["success"])
	third := results[2].(map[string]any)
	assert.Equal(t, true, third["success"])
	assert.EqualValues(t, 0, third["recipients"])
}

func TestBroadcastToUser(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	res := h.mgr.TryClaim(42, "sock-42", time.Now().Add(time.Second))
	require.Equal(t, connection.Claimed, res.Status)
	require.True(t, h.mgr.Activate(42, "sock-42"))

	resp, body := h.do(t, http.MethodPost, "/api/broadcast/user/42",
		`{"event":"nudge","data":{"k":1}}`, upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["delivered"])
	assert.Equal(t, 1, h.sink.count("sock-42"))

	resp, body = h.do(t, http.MethodPost, "/api/broadcast/user/999",
		`{"event":"nudge","data":{}}`, upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["delivered"])

	resp, _ = h.do(t, http.MethodPost, "/api/broadcast/user/zero",
		`{"event":"nudge","data":{}}`, upstreamHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChannelIntrospection(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	require.NoError(t, h.reg.Subscribe("sock-1", 1, "forum.10"))
	require.NoError(t, h.reg.Subscribe("sock-2", 2, "forum.10"))

	resp, body := h.do(t, http.MethodGet, "/api/channels/forum.10", "", upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	info := body["channel"].(map[string]any)
	assert.EqualValues(t, 2, info["subscribers"])

	resp, _ = h.do(t, http.MethodGet, "/api/channels/forum.404", "", upstreamHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/api/channels/stats", "", upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["total_channels"])
	assert.EqualValues(t, 2, stats["total_subscriptions"])
}

func TestForceDisconnectEndpoint(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	res := h.mgr.TryClaim(42, "sock-42", time.Now().Add(time.Second))
	require.Equal(t, connection.Claimed, res.Status)
	require.True(t, h.mgr.Activate(42, "sock-42"))

	resp, body := h.do(t, http.MethodPost, "/api/connections/disconnect/42", "", adminHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	_, held := h.mgr.Info(42)
	assert.False(t, held)

	resp, _ = h.do(t, http.MethodPost, "/api/connections/disconnect/42", "", adminHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearThrottleEndpoint(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())

	// Harness manager allows 100 attempts per window; the 101st short-circuits.
	deadline := time.Now().Add(time.Minute)
	var last connection.ClaimResult
	for i := 0; i < 101; i++ {
		last = h.mgr.TryClaim(55, "sock-55", deadline)
	}
	require.Equal(t, connection.Throttled, last.Status)

	resp, body := h.do(t, http.MethodPost, "/api/connections/clear-throttle/55", "", adminHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 55, body["user_id"])

	res := h.mgr.TryClaim(55, "sock-55", deadline)
	assert.Equal(t, connection.Claimed, res.Status)

	resp, _ = h.do(t, http.MethodPost, "/api/connections/clear-throttle/zero", "", adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusReportsIngestState(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.NATSIngest = true
	h := newAPIHarness(t, cfg, func(d *Deps) {
		d.NATSConnected = func() bool { return true }
	})

	resp, body := h.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	ingest := body["ingest"].(map[string]any)
	assert.Equal(t, true, ingest["nats_connected"])

	// Without a wired bridge the block is absent entirely.
	plain := newAPIHarness(t, defaultTestConfig())
	resp, body = plain.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "ingest")
}

func TestClearAll(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	h.sockets.mu.Lock()
	h.sockets.count = 3
	h.sockets.mu.Unlock()

	resp, body := h.do(t, http.MethodPost, "/api/connections/clear-all", "", adminHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["disconnected"])
}

func TestAdminEndpointsRejectUpstreamKeyMismatch(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, _ := h.do(t, http.MethodPost, "/api/monitoring/reset", "", map[string]string{apiKeyHeader: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The upstream secret is also accepted on admin endpoints.
	resp, _ = h.do(t, http.MethodPost, "/api/monitoring/reset", "", upstreamHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestThresholdPatch(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())

	resp, body := h.do(t, http.MethodPut, "/api/monitoring/thresholds",
		`{"connections_warn":10,"connections_critical":20}`, adminHeaders())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	updated := body["thresholds"].(map[string]any)
	assert.EqualValues(t, 10, updated["connections_warn"])
	// untouched fields keep their defaults
	assert.EqualValues(t, 0.05, updated["error_rate_warn"])

	resp, _ = h.do(t, http.MethodPut, "/api/monitoring/thresholds",
		`{"connections_warn":50,"connections_critical":40}`, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitHeadersAndExhaustion(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.BroadcastLimit = 3
	h := newAPIHarness(t, cfg)

	payload := `{"channel":"public.x","event":"e","data":{}}`
	for i := 0; i < 3; i++ {
		resp, _ := h.do(t, http.MethodPost, "/api/broadcast", payload, upstreamHeaders())
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, body := h.do(t, http.MethodPost, "/api/broadcast", payload, upstreamHeaders())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestDrainingReturns503OnBroadcast(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	h.sockets.mu.Lock()
	h.sockets.draining = true
	h.sockets.mu.Unlock()

	resp, body := h.do(t, http.MethodPost, "/api/broadcast",
		`{"channel":"public.x","event":"e","data":{}}`, upstreamHeaders())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", body["error"])

	// health and metrics keep serving
	resp, _ = h.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointsServeSnapshots(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	h.col.ConnectionOpened("member")

	resp, body := h.do(t, http.MethodGet, "/api/monitoring/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap := body["metrics"].(map[string]any)
	conns := snap["connections"].(map[string]any)
	assert.EqualValues(t, 1, conns["active"])

	promResp, err := h.srv.Client().Get(h.srv.URL + "/api/monitoring/prometheus")
	require.NoError(t, err)
	defer promResp.Body.Close()
	assert.Equal(t, http.StatusOK, promResp.StatusCode)
}

func TestRequestIDEchoed(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, _ := h.do(t, http.MethodGet, "/", "", map[string]string{requestIDHeader: "corr-123"})
	assert.Equal(t, "corr-123", resp.Header.Get(requestIDHeader))

	resp, _ = h.do(t, http.MethodGet, "/", "", nil)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
}

func TestUnknownRouteEnvelope(t *testing.T) {
	h := newAPIHarness(t, defaultTestConfig())
	resp, body := h.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}
