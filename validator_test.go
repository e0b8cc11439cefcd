package tokencore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sigilium/tokencore/internal"
	"github.com/sigilium/tokencore/token"
)

func newValidatorFixture(t *testing.T) (*Validator, *token.Codec, *BlacklistRegistry, *Metrics) {
	t.Helper()

	codec, err := token.NewCodec(token.Config{
		SigningMethod: token.MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "tokencore-test",
		Audience:      "api",
	})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	clock := newTestClock(time.Now())
	blacklist := NewBlacklistRegistry(time.Hour, clock)
	metrics := NewMetrics(MetricsConfig{Enabled: true})
	return NewValidator(codec, blacklist, metrics, clock), codec, blacklist, metrics
}

func signAccessToken(t *testing.T, codec *token.Codec, jti, userAgent, clientIP string, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	claims := &token.Claims{
		TokenType: token.TypeAccess,
		UAHash:    internal.HashUserAgent(userAgent),
		ClientIP:  clientIP,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return signed
}

func TestValidateAcceptsBoundToken(t *testing.T) {
	v, codec, _, _ := newValidatorFixture(t)

	signed := signAccessToken(t, codec, "jti-1", "ua-v1", "203.0.113.1", time.Hour)
	claims, err := v.Validate(context.Background(), signed, "203.0.113.1", "ua-v1")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.ID != "jti-1" {
		t.Fatalf("unexpected jti %q", claims.ID)
	}
}

func TestValidateRejectsRefreshTypeToken(t *testing.T) {
	v, codec, _, _ := newValidatorFixture(t)

	now := time.Now()
	claims := &token.Claims{
		TokenType: token.TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-refresh",
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := v.Validate(context.Background(), signed, "", ""); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for wrong token type, got %v", err)
	}
}

func TestValidateErrorTaxonomy(t *testing.T) {
	v, codec, _, _ := newValidatorFixture(t)
	ctx := context.Background()

	if _, err := v.Validate(ctx, "garbage", "", ""); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}

	signed := signAccessToken(t, codec, "jti-sig", "", "", time.Hour)
	tampered := signed[:len(signed)-3] + "xxx"
	if _, err := v.Validate(ctx, tampered, "", ""); !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("expected ErrTokenSignature, got %v", err)
	}

	expired := signAccessToken(t, codec, "jti-exp", "", "", -time.Hour)
	if _, err := v.Validate(ctx, expired, "", ""); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidateBlacklistOutranksExpiry(t *testing.T) {
	v, codec, blacklist, _ := newValidatorFixture(t)

	expired := signAccessToken(t, codec, "jti-revoked", "", "", -time.Hour)
	blacklist.Add("jti-revoked", ReasonLogout, time.Hour)

	// revoked and expired must read as blacklisted, never as merely expired
	if _, err := v.Validate(context.Background(), expired, "", ""); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
	}
}

func TestValidateBlacklistedLiveToken(t *testing.T) {
	v, codec, blacklist, metrics := newValidatorFixture(t)

	signed := signAccessToken(t, codec, "jti-live", "", "", time.Hour)
	blacklist.Add("jti-live", ReasonLogout, time.Hour)

	if _, err := v.Validate(context.Background(), signed, "", ""); !errors.Is(err, ErrTokenBlacklisted) {
		t.Fatalf("expected ErrTokenBlacklisted, got %v", err)
	}
	if got := metrics.Value(MetricBlacklistHit); got != 1 {
		t.Fatalf("expected 1 blacklist hit, got %d", got)
	}
	if got := metrics.Value(MetricValidateFailure); got != 1 {
		t.Fatalf("expected 1 validate failure, got %d", got)
	}
}

func TestValidateSessionEvictionReadsDistinctly(t *testing.T) {
	v, codec, blacklist, _ := newValidatorFixture(t)

	signed := signAccessToken(t, codec, "jti-evicted", "", "", time.Hour)
	blacklist.Add("jti-evicted", ReasonSessionLimit, time.Hour)

	if _, err := v.Validate(context.Background(), signed, "", ""); !errors.Is(err, ErrSessionEvicted) {
		t.Fatalf("expected ErrSessionEvicted, got %v", err)
	}
}

func TestValidateUserAgentMismatchIsFatal(t *testing.T) {
	v, codec, _, metrics := newValidatorFixture(t)

	signed := signAccessToken(t, codec, "jti-ua", "ua-v1", "203.0.113.1", time.Hour)
	if _, err := v.Validate(context.Background(), signed, "203.0.113.1", "ua-v2"); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch, got %v", err)
	}
	if got := metrics.Value(MetricDeviceMismatch); got != 1 {
		t.Fatalf("expected 1 device mismatch, got %d", got)
	}
}

func TestValidateIPChangeIsAnomalyOnly(t *testing.T) {
	v, codec, _, metrics := newValidatorFixture(t)

	signed := signAccessToken(t, codec, "jti-ip", "ua-v1", "203.0.113.1", time.Hour)
	claims, err := v.Validate(context.Background(), signed, "198.51.100.7", "ua-v1")
	if err != nil {
		t.Fatalf("expected IP change to be tolerated, got %v", err)
	}
	if claims.ID != "jti-ip" {
		t.Fatalf("unexpected jti %q", claims.ID)
	}
	if got := metrics.Value(MetricIPAnomaly); got != 1 {
		t.Fatalf("expected 1 ip anomaly, got %d", got)
	}
	if got := metrics.Value(MetricValidateSuccess); got != 1 {
		t.Fatalf("expected validation to count as success, got %d", got)
	}
}

func TestValidateUnboundTokenSkipsBindingGates(t *testing.T) {
	v, codec, _, _ := newValidatorFixture(t)

	// no UA hash and no IP in the token: nothing to compare against
	now := time.Now()
	claims := &token.Claims{
		TokenType: token.TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-unbound",
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := v.Validate(context.Background(), signed, "203.0.113.1", "any-ua"); err != nil {
		t.Fatalf("unbound token must validate, got %v", err)
	}
}

func TestValidateReadsClientMetadataFromContext(t *testing.T) {
	v, codec, _, _ := newValidatorFixture(t)

	signed := signAccessToken(t, codec, "jti-ctx", "ua-v1", "203.0.113.1", time.Hour)
	ctx := WithUserAgent(WithClientIP(context.Background(), "203.0.113.1"), "ua-v1")
	if _, err := v.Validate(ctx, signed, "", ""); err != nil {
		t.Fatalf("Validate with context metadata failed: %v", err)
	}

	mismatch := WithUserAgent(WithClientIP(context.Background(), "203.0.113.1"), "ua-other")
	if _, err := v.Validate(mismatch, signed, "", ""); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch from context user agent, got %v", err)
	}
}

func TestValidateNilValidator(t *testing.T) {
	var v *Validator
	if _, err := v.Validate(context.Background(), "x", "", ""); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}
