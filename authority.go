package tokencore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sigilium/tokencore/internal"
	"github.com/sigilium/tokencore/ledger"
	"github.com/sigilium/tokencore/token"
)

// Authority orchestrates token issuance, rotation, and revocation. It is
// constructed once through [Builder.Build], holds all mutable state as
// injected components, and is safe for concurrent use.
type Authority struct {
	config     Config
	codec      *token.Codec
	ledger     *ledger.Ledger
	blacklist  *BlacklistRegistry
	limiter    *SessionLimiter
	principals PrincipalProvider
	events     *eventDispatcher
	metrics    *Metrics
	validator  *Validator
	sweeper    *blacklistSweeper
	clock      Clock
}

// Validator returns the validation side of the core for middleware and
// request handlers.
func (a *Authority) Validator() *Validator {
	if a == nil {
		return nil
	}
	return a.validator
}

// Close stops background sweeping and drains the event dispatcher.
func (a *Authority) Close() {
	if a == nil {
		return
	}
	a.sweeper.stop()
	a.events.Close()
}

// MetricsSnapshot exports the counter state for metric exporters.
func (a *Authority) MetricsSnapshot() MetricsSnapshot {
	if a == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return a.metrics.Snapshot()
}

// EventsDropped reports security events shed under backpressure.
func (a *Authority) EventsDropped() uint64 {
	if a == nil {
		return 0
	}
	return a.events.Dropped()
}

// IssueAccessToken signs a new access token for the principal, bound to a
// truncated hash of userAgent (never the raw string) and the issuing
// clientIP. It then tracks the token and enforces the concurrency cap,
// blacklisting whatever the limiter evicts.
func (a *Authority) IssueAccessToken(ctx context.Context, principal Principal, clientIP, userAgent string) (string, *token.Claims, error) {
	if a == nil {
		return "", nil, ErrNotReady
	}
	if clientIP == "" {
		clientIP = clientIPFromContext(ctx)
	}
	if userAgent == "" {
		userAgent = userAgentFromContext(ctx)
	}

	now := a.clock.Now()
	claims := &token.Claims{
		TokenType:   token.TypeAccess,
		Roles:       principal.Roles,
		Permissions: principal.Permissions,
		UAHash:      internal.HashUserAgent(userAgent),
		ClientIP:    clientIP,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.Token.AccessTTL)),
		},
	}

	signed, err := a.codec.Encode(claims)
	if err != nil {
		a.metrics.Inc(MetricIssueFailure)
		return "", nil, fmt.Errorf("access token encoding: %w", err)
	}

	a.limiter.Track(principal.ID, claims.ID, now)
	for _, evicted := range a.limiter.Enforce(principal.ID, a.config.Sessions.MaxPerPrincipal) {
		a.blacklist.Add(evicted, ReasonSessionLimit, a.config.Token.AccessTTL)
		a.metrics.Inc(MetricSessionEvicted)
		a.events.Emit(ctx, SecurityEvent{
			Timestamp:   now,
			Kind:        EventSessionEvicted,
			PrincipalID: principal.ID,
			TokenID:     evicted,
			Reason:      ReasonSessionLimit,
		})
	}

	a.metrics.Inc(MetricIssueSuccess)
	return signed, claims, nil
}

// IssueRefreshToken stores a new refresh record and returns the opaque
// credential. This is the only place the plaintext secret exists; only
// its SHA-256 hash reaches the ledger.
func (a *Authority) IssueRefreshToken(ctx context.Context, principalID, device, ip string) (string, string, error) {
	return a.issueRefresh(ctx, principalID, device, ip, "")
}

func (a *Authority) issueRefresh(ctx context.Context, principalID, device, ip, parentID string) (string, string, error) {
	if a == nil {
		return "", "", ErrNotReady
	}

	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return "", "", fmt.Errorf("refresh secret generation: %w", err)
	}

	recordID, err := a.ledger.Store(ctx, principalID, secret, device, ip, parentID)
	if err != nil {
		return "", "", a.mapLedgerErr(err)
	}

	opaque, err := internal.EncodeRefreshToken(recordID, secret)
	if err != nil {
		return "", "", fmt.Errorf("refresh token encoding: %w", err)
	}
	return opaque, recordID, nil
}

// Issue creates a full token pair at login.
func (a *Authority) Issue(ctx context.Context, principal Principal, clientIP, userAgent string) (TokenPair, error) {
	if a == nil {
		return TokenPair{}, ErrNotReady
	}
	if !principal.Active {
		return TokenPair{}, ErrPrincipalInactive
	}

	access, claims, err := a.IssueAccessToken(ctx, principal, clientIP, userAgent)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, recordID, err := a.issueRefresh(ctx, principal.ID, userAgent, clientIP, "")
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessJTI:    claims.ID,
		RecordID:     recordID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// Refresh atomically consumes the presented refresh credential and, when
// exactly this caller won the consumption, issues a new pair whose record
// is chained to the consumed one. Every failure mode of the consumption
// (replay, race loss, expiry, unknown token) surfaces as the same
// ErrRefreshInvalid; internally a replay of a rotated record additionally
// revokes the principal's whole lineage and emits a security event.
func (a *Authority) Refresh(ctx context.Context, refreshToken, clientIP, userAgent string) (TokenPair, error) {
	if a == nil {
		return TokenPair{}, ErrNotReady
	}

	recordID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		a.metrics.Inc(MetricRefreshInvalid)
		return TokenPair{}, ErrRefreshInvalid
	}

	rec, err := a.ledger.Consume(ctx, secret)
	if err != nil {
		if errors.Is(err, ledger.ErrNotConsumed) {
			a.metrics.Inc(MetricRefreshInvalid)
			a.handleReuseSignal(ctx, secret, clientIP)
			return TokenPair{}, ErrRefreshInvalid
		}
		return TokenPair{}, a.mapLedgerErr(err)
	}
	if rec.ID != recordID {
		// consumed record does not match the identifier embedded in the
		// credential; fail closed
		log.Print("tokencore: refresh record identifier mismatch")
		a.metrics.Inc(MetricRefreshInvalid)
		return TokenPair{}, ErrRefreshInvalid
	}

	principal, err := a.principals.GetPrincipalByID(ctx, rec.PrincipalID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("principal lookup: %w", err)
	}
	if !principal.Active {
		a.metrics.Inc(MetricRefreshInvalid)
		return TokenPair{}, ErrPrincipalInactive
	}

	access, claims, err := a.IssueAccessToken(ctx, principal, clientIP, userAgent)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, newRecordID, err := a.issueRefresh(ctx, principal.ID, userAgent, clientIP, rec.ID)
	if err != nil {
		return TokenPair{}, err
	}

	a.metrics.Inc(MetricRefreshSuccess)
	a.events.Emit(ctx, SecurityEvent{
		Timestamp:   a.clock.Now(),
		Kind:        EventRefreshRotation,
		PrincipalID: principal.ID,
		RecordID:    newRecordID,
		IP:          clientIP,
		Metadata:    map[string]string{"parent_record_id": rec.ID},
	})

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessJTI:    claims.ID,
		RecordID:     newRecordID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// handleReuseSignal fires the theft heuristic after a failed consume:
// replaying a record that rotation already consumed revokes the whole
// lineage for the principal. The caller still only ever sees the generic
// invalid outcome.
func (a *Authority) handleReuseSignal(ctx context.Context, secret [internal.SecretSize]byte, clientIP string) {
	principalID, reuse := a.ledger.ReuseSignal(ctx, secret)
	if !reuse {
		return
	}

	a.metrics.Inc(MetricRefreshReuseDetected)

	count, err := a.ledger.RevokeAll(ctx, principalID, ReasonCompromise)
	if err != nil {
		log.Print("tokencore: revoke-all after reuse detection failed")
	} else {
		a.metrics.Inc(MetricRevokeAll)
	}

	a.events.Emit(ctx, SecurityEvent{
		Timestamp:   a.clock.Now(),
		Kind:        EventRefreshReuse,
		PrincipalID: principalID,
		IP:          clientIP,
		Reason:      ReasonCompromise,
		Metadata:    map[string]string{"revoked_records": fmt.Sprintf("%d", count)},
	})
}

// Revoke invalidates a refresh credential at logout. It is idempotent
// and does not reveal whether the credential existed.
func (a *Authority) Revoke(ctx context.Context, refreshToken, reason string) error {
	if a == nil {
		return ErrNotReady
	}
	if reason == "" {
		reason = ReasonLogout
	}

	_, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		// undecodable credentials have nothing to revoke
		return nil
	}

	if err := a.ledger.Revoke(ctx, secret, reason); err != nil {
		return a.mapLedgerErr(err)
	}
	return nil
}

// RevokeAll revokes every live refresh record for the principal, drops
// its tracked sessions, and emits a security event. Used on suspected
// compromise or forced logout-everywhere.
func (a *Authority) RevokeAll(ctx context.Context, principalID, reason string) (int, error) {
	if a == nil {
		return 0, ErrNotReady
	}
	if reason == "" {
		reason = ReasonCompromise
	}

	count, err := a.ledger.RevokeAll(ctx, principalID, reason)
	if err != nil {
		return 0, a.mapLedgerErr(err)
	}

	a.limiter.UntrackAll(principalID)
	a.metrics.Inc(MetricRevokeAll)
	a.events.Emit(ctx, SecurityEvent{
		Timestamp:   a.clock.Now(),
		Kind:        EventRevokeAll,
		PrincipalID: principalID,
		Reason:      reason,
		Metadata:    map[string]string{"revoked_records": fmt.Sprintf("%d", count)},
	})
	return count, nil
}

// BlacklistAccessToken revokes a single access token by identifier, e.g.
// at logout, and removes it from session tracking.
func (a *Authority) BlacklistAccessToken(ctx context.Context, principalID, jti, reason string) {
	if a == nil || jti == "" {
		return
	}
	if reason == "" {
		reason = ReasonLogout
	}

	a.blacklist.Add(jti, reason, a.config.Token.AccessTTL)
	a.limiter.Untrack(principalID, jti)
	a.events.Emit(ctx, SecurityEvent{
		Timestamp:   a.clock.Now(),
		Kind:        EventTokenRevoked,
		PrincipalID: principalID,
		TokenID:     jti,
		Reason:      reason,
	})
}

// SweepExpiredRecords runs the ledger retention sweep for records expired
// before cutoff.
func (a *Authority) SweepExpiredRecords(ctx context.Context, cutoff time.Time) (int, error) {
	if a == nil {
		return 0, ErrNotReady
	}
	n, err := a.ledger.SweepExpired(ctx, cutoff)
	if err != nil {
		return 0, a.mapLedgerErr(err)
	}
	return n, nil
}

func (a *Authority) mapLedgerErr(err error) error {
	if errors.Is(err, ledger.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
