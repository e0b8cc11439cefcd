package tokencore

import (
	"errors"
	"time"
)

// Config is the full configuration surface of the core. Zero values are
// replaced by defaults at Build time; invalid values fail Build.
//
// Config instances are set once during initialization and treated as
// immutable afterwards.
type Config struct {
	Token     TokenConfig
	Refresh   RefreshConfig
	Sessions  SessionConfig
	Blacklist BlacklistConfig
	Events    EventConfig
	Metrics   MetricsConfig
}

// TokenConfig controls access-token signing and verification.
type TokenConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// RefreshConfig controls refresh-token lifetime.
type RefreshConfig struct {
	TTL time.Duration
}

// SessionConfig controls per-principal session concurrency enforcement.
type SessionConfig struct {
	MaxPerPrincipal int
}

// BlacklistConfig controls retention and background pruning of revoked
// token identifiers.
type BlacklistConfig struct {
	// Grace keeps an entry past the underlying token's natural expiry so
	// clock drift among issuers cannot resurrect a revoked token.
	Grace         time.Duration
	SweepInterval time.Duration
}

// EventConfig controls the asynchronous security-event dispatcher.
type EventConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events under backpressure instead of blocking the
	// request path. Dropped counts are visible via Authority.EventsDropped.
	DropIfFull bool
}

// MetricsConfig enables the in-process atomic counters.
type MetricsConfig struct {
	Enabled bool
}

const (
	defaultAccessTTL       = time.Hour
	defaultRefreshTTL      = 30 * 24 * time.Hour
	defaultMaxSessions     = 5
	defaultLeeway          = 2 * time.Minute
	defaultBlacklistGrace  = 24 * time.Hour
	defaultSweepInterval   = time.Minute
	defaultEventBufferSize = 256
)

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     defaultAccessTTL,
			SigningMethod: "hs256",
			Leeway:        defaultLeeway,
		},
		Refresh: RefreshConfig{TTL: defaultRefreshTTL},
		Sessions: SessionConfig{
			MaxPerPrincipal: defaultMaxSessions,
		},
		Blacklist: BlacklistConfig{
			Grace:         defaultBlacklistGrace,
			SweepInterval: defaultSweepInterval,
		},
		Events: EventConfig{
			Enabled:    true,
			BufferSize: defaultEventBufferSize,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

func normalizeConfig(cfg *Config) {
	if cfg.Token.AccessTTL <= 0 {
		cfg.Token.AccessTTL = defaultAccessTTL
	}
	if cfg.Token.SigningMethod == "" {
		cfg.Token.SigningMethod = "hs256"
	}
	if cfg.Refresh.TTL <= 0 {
		cfg.Refresh.TTL = defaultRefreshTTL
	}
	if cfg.Sessions.MaxPerPrincipal <= 0 {
		cfg.Sessions.MaxPerPrincipal = defaultMaxSessions
	}
	if cfg.Blacklist.Grace <= 0 {
		cfg.Blacklist.Grace = defaultBlacklistGrace
	}
	if cfg.Blacklist.SweepInterval <= 0 {
		cfg.Blacklist.SweepInterval = defaultSweepInterval
	}
	if cfg.Events.BufferSize <= 0 {
		cfg.Events.BufferSize = defaultEventBufferSize
	}
}

func validateConfig(cfg Config) error {
	if len(cfg.Token.PrivateKey) == 0 {
		return errors.New("token signing key required")
	}
	if cfg.Token.Leeway < 0 || cfg.Token.Leeway > 2*time.Minute {
		return errors.New("invalid leeway configuration")
	}
	if cfg.Token.Issuer == "" || cfg.Token.Audience == "" {
		return errors.New("issuer and audience are required")
	}
	if cfg.Refresh.TTL < cfg.Token.AccessTTL {
		return errors.New("refresh TTL must not be shorter than access TTL")
	}
	return nil
}
