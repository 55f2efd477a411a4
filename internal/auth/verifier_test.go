package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		want       CredentialKind
	}{
		{"opaque", "42|f3a9c0d1e2", KindOpaque},
		{"opaque long id", "123456789|x", KindOpaque},
		{"jwt", "eyJhbGciOi.eyJzdWIiOi.c2lnbmF0dXJl", KindJWT},
		{"empty", "", KindUnknown},
		{"no separator", "justatoken", KindUnknown},
		{"pipe without id", "|opaque", KindUnknown},
		{"two segments", "aa.bb", KindUnknown},
		{"empty jwt segment", "aa..cc", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectKind(tt.credential))
		})
	}
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleModerator, ParseRole("moderator"))
	assert.Equal(t, RoleGuest, ParseRole("superuser"))
	assert.Equal(t, RoleGuest, ParseRole(""))
}

func TestIdentityHasPermission(t *testing.T) {
	id := Identity{UserID: 1, Permissions: []string{"websocket:broadcast", "forum:post"}}
	assert.True(t, id.HasPermission("websocket:broadcast"))
	assert.False(t, id.HasPermission("websocket:admin"))
	assert.False(t, Identity{}.HasPermission("websocket:broadcast"))
}

func TestFingerprintStableAndOpaque(t *testing.T) {
	fp := Fingerprint("42|secret")
	assert.Equal(t, fp, Fingerprint("42|secret"))
	assert.NotEqual(t, fp, Fingerprint("42|secret2"))
	assert.NotContains(t, fp, "secret")
	assert.Len(t, fp, 64)
}

func newJWTVerifier(t *testing.T, secret string) *Verifier {
	t.Helper()
	return NewVerifier(VerifierConfig{
		UpstreamURL: "http://127.0.0.1:1", // never reached by JWT paths
		APIKey:      "upstream-key",
		JWTSecret:   secret,
		CacheTTL:    30 * time.Second,
		Timeout:     2 * time.Second,
		Logger:      zerolog.Nop(),
	})
}

func TestVerifyJWTRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	token, err := issuer.Generate(Identity{
		UserID:      42,
		Role:        RoleMember,
		Permissions: []string{"websocket:broadcast"},
	})
	require.NoError(t, err)

	v := newJWTVerifier(t, "test-secret")
	identity, kind, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, KindJWT, kind)
	assert.Equal(t, int64(42), identity.UserID)
	assert.Equal(t, RoleMember, identity.Role)
	assert.True(t, identity.HasPermission("websocket:broadcast"))
}

func TestVerifyJWTExpired(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	token, err := issuer.GenerateWithTTL(Identity{UserID: 7, Role: RoleMember}, -time.Minute)
	require.NoError(t, err)

	v := newJWTVerifier(t, "test-secret")
	_, _, err = v.Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrExpiredCredential)
	assert.Equal(t, "expired", FailureKind(err))
}

func TestVerifyJWTBadSignature(t *testing.T) {
	issuer := NewTokenIssuer("other-secret", time.Hour)
	token, err := issuer.Generate(Identity{UserID: 7, Role: RoleMember})
	require.NoError(t, err)

	v := newJWTVerifier(t, "test-secret")
	_, _, err = v.Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrMalformedCredential)
}

func TestVerifyJWTDisabled(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	token, err := issuer.Generate(Identity{UserID: 7, Role: RoleMember})
	require.NoError(t, err)

	v := newJWTVerifier(t, "") // no secret configured
	_, _, err = v.Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrMalformedCredential)
}

func TestVerifyMissingAndMalformed(t *testing.T) {
	v := newJWTVerifier(t, "test-secret")

	_, kind, err := v.Verify(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, KindUnknown, kind)

	_, kind, err = v.Verify(context.Background(), "not-a-credential")
	require.ErrorIs(t, err, ErrMalformedCredential)
	assert.Equal(t, KindUnknown, kind)
}

// upstreamStub counts verification calls and lets tests script failures.
type upstreamStub struct {
	t        *testing.T
	calls    atomic.Int64
	failures int64 // respond 500 to the first N calls
	status   int   // terminal status when not failing (default 200)
	body     string
}

func (s *upstreamStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		assert.Equal(s.t, http.MethodPost, r.Method)
		assert.Equal(s.t, "/api/websocket-api/verify-user", r.URL.Path)
		assert.Equal(s.t, "upstream-key", r.Header.Get("X-WebSocket-API-Key"))
		assert.Contains(s.t, r.Header.Get("Authorization"), "Bearer ")

		if n <= s.failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		status := s.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		body := s.body
		if body == "" {
			body = `{"success":true,"data":{"user":{"id":42,"name":"Ada","email":"ada@example.com","role":"member","permissions":["forum:post"]}}}`
		}
		w.Write([]byte(body))
	}
}

func newUpstreamVerifier(t *testing.T, url string, ttl time.Duration) *Verifier {
	t.Helper()
	return NewVerifier(VerifierConfig{
		UpstreamURL: url,
		APIKey:      "upstream-key",
		CacheTTL:    ttl,
		Timeout:     2 * time.Second,
		Logger:      zerolog.Nop(),
	})
}

func TestVerifyUpstreamSuccess(t *testing.T) {
	stub := &upstreamStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	v := newUpstreamVerifier(t, srv.URL, 30*time.Second)
	identity, kind, err := v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	assert.Equal(t, KindOpaque, kind)
	assert.Equal(t, int64(42), identity.UserID)
	assert.Equal(t, RoleMember, identity.Role)
	assert.Equal(t, "Ada", identity.Name)
	assert.EqualValues(t, 1, stub.calls.Load())
}

func TestVerifyUpstreamRejected(t *testing.T) {
	stub := &upstreamStub{t: t, status: http.StatusUnauthorized, body: `{"success":false}`}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	v := newUpstreamVerifier(t, srv.URL, 30*time.Second)
	_, _, err := v.Verify(context.Background(), "42|bad-token")
	require.ErrorIs(t, err, ErrRejectedByUpstream)
	// terminal rejection must not be retried
	assert.EqualValues(t, 1, stub.calls.Load())
}

func TestVerifyUpstreamRetriesTransientFailure(t *testing.T) {
	stub := &upstreamStub{t: t, failures: 2}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	v := newUpstreamVerifier(t, srv.URL, 30*time.Second)
	identity, _, err := v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	assert.Equal(t, int64(42), identity.UserID)
	assert.EqualValues(t, 3, stub.calls.Load())
}

func TestVerifyUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse all connections

	v := newUpstreamVerifier(t, srv.URL, 30*time.Second)
	_, _, err := v.Verify(context.Background(), "42|opaque-token")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, "upstream_unavailable", FailureKind(err))
}

func TestVerifyCacheHitAndFlush(t *testing.T) {
	stub := &upstreamStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	v := newUpstreamVerifier(t, srv.URL, 30*time.Second)

	_, _, err := v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	_, _, err = v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stub.calls.Load(), "second verify must come from cache")
	assert.Equal(t, 1, v.CacheSize())

	flushed := v.FlushCache()
	assert.Equal(t, 1, flushed)

	_, _, err = v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.calls.Load(), "flush must force re-verification")
}

func TestVerifyCacheExpires(t *testing.T) {
	stub := &upstreamStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	v := newUpstreamVerifier(t, srv.URL, 20*time.Millisecond)

	_, _, err := v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, _, err = v.Verify(context.Background(), "42|opaque-token")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestVerifyCacheNeverOutlivesCredential(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	// exp claims have second granularity, so the lifetime needs headroom
	// over truncation to be reliably in the future at issue time
	token, err := issuer.GenerateWithTTL(Identity{UserID: 9, Role: RoleMember}, 2*time.Second)
	require.NoError(t, err)

	v := newJWTVerifier(t, "test-secret") // 30s cache TTL

	_, _, err = v.Verify(context.Background(), token)
	require.NoError(t, err)

	// Past the token's own expiry the cache must not answer for it.
	time.Sleep(3100 * time.Millisecond)
	_, _, err = v.Verify(context.Background(), token)
	require.ErrorIs(t, err, ErrExpiredCredential)
}
