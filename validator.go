package tokencore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sigilium/tokencore/internal"
	"github.com/sigilium/tokencore/token"
)

// Validator checks incoming access tokens. Each step is a hard gate:
// decode, token kind, blacklist, device binding. The blacklist outranks
// expiry, since a revoked token must never be reported as merely expired:
// tokens failing decode only on expiry get a second signature-checked
// parse to probe the blacklist for their identifier.
//
// The IP gate is deliberately asymmetric with the user-agent gate: a
// changed IP is common for mobile and roaming clients and only raises an
// anomaly event, while a changed user agent fails the request.
type Validator struct {
	codec     *token.Codec
	blacklist *BlacklistRegistry
	events    *eventDispatcher
	metrics   *Metrics
	clock     Clock
}

// NewValidator wires a standalone validator. Builder-produced authorities
// share these components with their validator.
func NewValidator(codec *token.Codec, blacklist *BlacklistRegistry, metrics *Metrics, clock Clock) *Validator {
	if clock == nil {
		clock = realClock{}
	}
	return &Validator{
		codec:     codec,
		blacklist: blacklist,
		metrics:   metrics,
		clock:     clock,
	}
}

// Validate verifies a signed access token against the current client IP
// and user agent and returns its claims. Failures carry the internal
// taxonomy; translate with ExternalMessage before echoing to a client.
func (v *Validator) Validate(ctx context.Context, signed, clientIP, userAgent string) (*token.Claims, error) {
	if v == nil {
		return nil, ErrNotReady
	}
	if clientIP == "" {
		clientIP = clientIPFromContext(ctx)
	}
	if userAgent == "" {
		userAgent = userAgentFromContext(ctx)
	}

	claims, err := v.codec.Decode(signed)
	if err != nil {
		return nil, v.classifyDecode(signed, err)
	}

	if claims.TokenType != token.TypeAccess {
		v.metrics.Inc(MetricValidateFailure)
		return nil, fmt.Errorf("%w: wrong token type", ErrTokenMalformed)
	}

	if err := v.checkBlacklist(claims.ID); err != nil {
		v.metrics.Inc(MetricValidateFailure)
		return nil, err
	}

	if claims.UAHash != "" && claims.UAHash != internal.HashUserAgent(userAgent) {
		v.metrics.Inc(MetricDeviceMismatch)
		v.metrics.Inc(MetricValidateFailure)
		v.events.Emit(ctx, SecurityEvent{
			Timestamp:   v.clock.Now(),
			Kind:        EventDeviceMismatch,
			PrincipalID: claims.Subject,
			TokenID:     claims.ID,
			IP:          clientIP,
		})
		return nil, ErrDeviceMismatch
	}

	if claims.ClientIP != "" && clientIP != "" && claims.ClientIP != clientIP {
		// anomaly only: IP churn is legitimate, user-agent churn is not
		v.metrics.Inc(MetricIPAnomaly)
		v.events.Emit(ctx, SecurityEvent{
			Timestamp:   v.clock.Now(),
			Kind:        EventIPAnomaly,
			PrincipalID: claims.Subject,
			TokenID:     claims.ID,
			IP:          clientIP,
			Metadata:    map[string]string{"issued_ip": claims.ClientIP},
		})
	}

	v.metrics.Inc(MetricValidateSuccess)
	return claims, nil
}

// classifyDecode maps codec errors to the package taxonomy. For a token
// that failed only on expiry, the blacklist is probed first so that a
// revoked-then-expired token still reads as blacklisted.
func (v *Validator) classifyDecode(signed string, err error) error {
	v.metrics.Inc(MetricValidateFailure)

	switch {
	case errors.Is(err, token.ErrExpired):
		if claims, expErr := v.codec.DecodeExpired(signed); expErr == nil {
			if blErr := v.checkBlacklist(claims.ID); blErr != nil {
				return blErr
			}
		}
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, token.ErrSignature):
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	default:
		// malformed structure and rejected registered claims
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

func (v *Validator) checkBlacklist(jti string) error {
	entry, ok := v.blacklist.Lookup(jti)
	if !ok {
		return nil
	}

	v.metrics.Inc(MetricBlacklistHit)
	if entry.Reason == ReasonSessionLimit {
		return ErrSessionEvicted
	}
	return ErrTokenBlacklisted
}
