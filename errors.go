package tokencore

import "errors"

// Validation and issuance failures form a closed taxonomy. Callers match
// with errors.Is; the boundary translation in ExternalMessage collapses
// everything credential-relevant to one generic message so that failure
// causes are never leaked to end clients.
var (
	// ErrTokenMalformed covers structurally invalid tokens and claim-set
	// rejections (wrong issuer, wrong audience, wrong token type).
	ErrTokenMalformed = errors.New("malformed token")
	// ErrTokenExpired is returned when a token is valid but past its
	// expiry beyond the configured leeway.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenSignature covers signature mismatches and unexpected
	// signing algorithms.
	ErrTokenSignature = errors.New("token signature invalid")
	// ErrTokenBlacklisted is returned when a token identifier has been
	// explicitly revoked.
	ErrTokenBlacklisted = errors.New("token blacklisted")
	// ErrSessionEvicted is returned when a token identifier was revoked
	// by session-limit enforcement rather than an explicit logout.
	ErrSessionEvicted = errors.New("session evicted by concurrency limit")
	// ErrDeviceMismatch is returned when the presented user agent does
	// not match the one the token was bound to at issuance.
	ErrDeviceMismatch = errors.New("device mismatch")
	// ErrRefreshInvalid is the single failure surfaced for every refresh
	// consumption that did not succeed: already used, expired, revoked,
	// or never issued. The causes are deliberately indistinguishable.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrPrincipalInactive is returned when a refresh succeeds but the
	// owning principal has been deactivated.
	ErrPrincipalInactive = errors.New("principal inactive")
	// ErrStoreUnavailable wraps transient persistence failures. It is
	// retryable and is never downgraded to a validation failure.
	ErrStoreUnavailable = errors.New("token store unavailable")
	// ErrNotReady is returned when an Authority is used before Build.
	ErrNotReady = errors.New("authority not initialized")
)

// externalAuthFailed is the only message shown to end clients for
// credential-relevant failures.
const externalAuthFailed = "authentication failed"

// externalRetryLater is shown when storage is unavailable; unlike the
// generic failure it signals that a retry with backoff may succeed.
const externalRetryLater = "authentication temporarily unavailable"

// ExternalMessage translates an internal error into the string safe to
// echo to an external caller. Specific kinds stay internal for logging
// and metrics; the client only ever learns "failed" or "retry later".
func ExternalMessage(err error) string {
	if errors.Is(err, ErrStoreUnavailable) {
		return externalRetryLater
	}
	return externalAuthFailed
}
