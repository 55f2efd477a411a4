package auth

import "errors"

// Verification failure kinds. Handshake handling treats all of them as
// terminal except ErrUpstreamUnavailable, which is retried with backoff
// while the handshake deadline allows.
var (
	ErrMissingCredential   = errors.New("credential missing")
	ErrMalformedCredential = errors.New("credential malformed")
	ErrExpiredCredential   = errors.New("credential expired")
	ErrRejectedByUpstream  = errors.New("credential rejected by upstream")
	ErrUpstreamUnavailable = errors.New("upstream verification unavailable")
)

// FailureKind maps a verification error onto its metrics/log label.
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, ErrExpiredCredential):
		return "expired"
	case errors.Is(err, ErrRejectedByUpstream):
		return "rejected_by_upstream"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}
