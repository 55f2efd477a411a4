package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// CredentialKind discriminates the two accepted credential shapes.
type CredentialKind string

const (
	// KindOpaque is the upstream-minted form "<numeric-id>|<opaque>".
	KindOpaque CredentialKind = "opaque"
	// KindJWT is the self-contained HMAC-signed form.
	KindJWT CredentialKind = "jwt"
	// KindUnknown means the credential matched neither shape.
	KindUnknown CredentialKind = "unknown"
)

var opaquePattern = regexp.MustCompile(`^\d+\|`)

// DetectKind classifies a credential by shape alone; it never validates.
func DetectKind(credential string) CredentialKind {
	if opaquePattern.MatchString(credential) {
		return KindOpaque
	}
	parts := strings.Split(credential, ".")
	if len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "" {
		return KindJWT
	}
	return KindUnknown
}

// VerifierConfig wires a Verifier.
type VerifierConfig struct {
	UpstreamURL string        // upstream application server base URL
	APIKey      string        // shared secret sent on verification calls
	JWTSecret   string        // empty disables the JWT credential kind
	CacheTTL    time.Duration // identity cache lifetime (capped by token expiry)
	Timeout     time.Duration // per-verification deadline
	Logger      zerolog.Logger
}

// Verifier resolves credentials to identities (upstream call or local HMAC
// check) and caches results by token fingerprint.
type Verifier struct {
	upstreamURL string
	apiKey      string
	jwtSecret   []byte
	cacheTTL    time.Duration
	timeout     time.Duration
	client      *http.Client
	executor    failsafe.Executor[*http.Response]
	logger      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	identity Identity
	kind     CredentialKind
	expires  time.Time
}

// upstreamStatusError marks responses worth retrying; the response body has
// already been closed when one of these is returned.
type upstreamStatusError struct {
	status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	// Bounded exponential backoff for transient upstream failures. The
	// executor runs under the caller's context, so the handshake deadline
	// cuts retries short.
	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithJitterFactor(0.1).
		WithMaxRetries(3).
		HandleIf(func(_ *http.Response, err error) bool {
			if err == nil {
				return false
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return true
		}).
		Build()

	return &Verifier{
		upstreamURL: strings.TrimRight(cfg.UpstreamURL, "/"),
		apiKey:      cfg.APIKey,
		jwtSecret:   []byte(cfg.JWTSecret),
		cacheTTL:    cfg.CacheTTL,
		timeout:     cfg.Timeout,
		client:      &http.Client{Timeout: cfg.Timeout},
		executor:    failsafe.With(retry),
		logger:      cfg.Logger,
		cache:       make(map[string]cacheEntry),
	}
}

// Verify resolves a credential to an identity. The returned kind is reliable
// even on failure (for metrics labels); errors wrap one of the sentinel
// failure kinds in errors.go.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, CredentialKind, error) {
	if credential == "" {
		return Identity{}, KindUnknown, ErrMissingCredential
	}

	kind := DetectKind(credential)
	if kind == KindUnknown {
		return Identity{}, kind, fmt.Errorf("unrecognized credential shape: %w", ErrMalformedCredential)
	}

	fp := Fingerprint(credential)
	if identity, ok := v.cached(fp); ok {
		return identity, kind, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var (
		identity Identity
		expiry   time.Time // zero = no credential-imposed bound
		err      error
	)
	switch kind {
	case KindJWT:
		identity, expiry, err = v.verifyJWT(credential)
	case KindOpaque:
		identity, err = v.verifyUpstream(ctx, credential)
	}
	if err != nil {
		return Identity{}, kind, err
	}

	v.store(fp, identity, kind, expiry)
	return identity, kind, nil
}

// FlushCache drops every cached identity and reports how many were held.
func (v *Verifier) FlushCache() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.cache)
	v.cache = make(map[string]cacheEntry)
	return n
}

// CacheSize reports the number of cached identities (expired or not).
func (v *Verifier) CacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

func (v *Verifier) cached(fp string) (Identity, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[fp]
	if !ok {
		return Identity{}, false
	}
	if time.Now().After(entry.expires) {
		delete(v.cache, fp)
		return Identity{}, false
	}
	return entry.identity, true
}

func (v *Verifier) store(fp string, identity Identity, kind CredentialKind, credentialExpiry time.Time) {
	expires := time.Now().Add(v.cacheTTL)
	// The cache must never outlive the credential itself.
	if !credentialExpiry.IsZero() && credentialExpiry.Before(expires) {
		expires = credentialExpiry
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= 16384 {
		v.sweepLocked()
	}
	v.cache[fp] = cacheEntry{identity: identity, kind: kind, expires: expires}
}

// sweepLocked drops expired entries; caller holds v.mu.
func (v *Verifier) sweepLocked() {
	now := time.Now()
	for fp, entry := range v.cache {
		if now.After(entry.expires) {
			delete(v.cache, fp)
		}
	}
}

func (v *Verifier) verifyJWT(credential string) (Identity, time.Time, error) {
	if len(v.jwtSecret) == 0 {
		return Identity{}, time.Time{}, fmt.Errorf("jwt credentials disabled: %w", ErrMalformedCredential)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, time.Time{}, fmt.Errorf("token expired: %w", ErrExpiredCredential)
		}
		return Identity{}, time.Time{}, fmt.Errorf("token parse failed: %v: %w", err, ErrMalformedCredential)
	}
	if !token.Valid || claims.UserID <= 0 {
		return Identity{}, time.Time{}, fmt.Errorf("invalid token claims: %w", ErrMalformedCredential)
	}

	identity := Identity{
		UserID:      claims.UserID,
		Role:        ParseRole(claims.Role),
		Permissions: claims.Permissions,
	}
	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return identity, expiry, nil
}

type upstreamEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    struct {
		User upstreamUser `json:"user"`
	} `json:"data"`
}

type upstreamUser struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Avatar      string   `json:"avatar"`
}

func (v *Verifier) verifyUpstream(ctx context.Context, credential string) (Identity, error) {
	url := v.upstreamURL + "/api/websocket-api/verify-user"

	resp, err := v.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+credential)
		req.Header.Set("X-WebSocket-API-Key", v.apiKey)

		resp, err := v.client.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx and 429 are transient: close this attempt's body and hand the
		// executor an error it will retry on.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &upstreamStatusError{status: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		v.logger.Warn().Err(err).Str("url", url).Msg("Upstream verification unreachable")
		return Identity{}, fmt.Errorf("%v: %w", err, ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("upstream status %d: %w", resp.StatusCode, ErrRejectedByUpstream)
	}

	var envelope upstreamEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return Identity{}, fmt.Errorf("upstream response decode: %v: %w", err, ErrUpstreamUnavailable)
	}
	if !envelope.Success || envelope.Data.User.ID <= 0 {
		return Identity{}, fmt.Errorf("upstream refused credential: %w", ErrRejectedByUpstream)
	}

	user := envelope.Data.User
	return Identity{
		UserID:      user.ID,
		Role:        ParseRole(user.Role),
		Permissions: user.Permissions,
		Name:        user.Name,
		Email:       user.Email,
		Avatar:      user.Avatar,
	}, nil
}
