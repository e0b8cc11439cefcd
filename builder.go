package tokencore

import (
	"errors"

	"github.com/sigilium/tokencore/ledger"
	"github.com/sigilium/tokencore/token"
)

// Builder assembles an [Authority] and its [Validator]. Construction is
// allocation-only until Build, which validates configuration, creates the
// injected components (blacklist, limiter, ledger, dispatcher), and
// starts the background sweeper.
type Builder struct {
	config     Config
	store      ledger.Store
	principals PrincipalProvider
	sink       EventSink
	clock      Clock
	built      bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the configuration wholesale. Zero fields are
// re-defaulted at Build.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the refresh-record persistence adapter. Required.
func (b *Builder) WithStore(store ledger.Store) *Builder {
	b.store = store
	return b
}

// WithPrincipalProvider sets the identity lookup used on refresh.
// Required.
func (b *Builder) WithPrincipalProvider(p PrincipalProvider) *Builder {
	b.principals = p
	return b
}

// WithEventSink sets the security-event consumer. Defaults to NoOpSink.
func (b *Builder) WithEventSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// WithClock injects a time source for tests.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// Build wires and returns the Authority. A Builder builds once.
func (b *Builder) Build() (*Authority, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.store == nil {
		return nil, errors.New("ledger store is required")
	}
	if b.principals == nil {
		return nil, errors.New("principal provider is required")
	}

	normalizeConfig(&b.config)
	if err := validateConfig(b.config); err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = realClock{}
	}

	codec, err := token.NewCodec(token.Config{
		SigningMethod: token.SigningMethod(b.config.Token.SigningMethod),
		PrivateKey:    b.config.Token.PrivateKey,
		PublicKey:     b.config.Token.PublicKey,
		Issuer:        b.config.Token.Issuer,
		Audience:      b.config.Token.Audience,
		Leeway:        b.config.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(b.config.Metrics)
	blacklist := NewBlacklistRegistry(b.config.Blacklist.Grace, clock)
	limiter := NewSessionLimiter(b.config.Token.AccessTTL, clock)
	dispatcher := newEventDispatcher(b.config.Events, b.sink)

	validator := NewValidator(codec, blacklist, metrics, clock)
	validator.events = dispatcher

	a := &Authority{
		config:     b.config,
		codec:      codec,
		ledger:     ledger.New(b.store, b.config.Refresh.TTL, clock),
		blacklist:  blacklist,
		limiter:    limiter,
		principals: b.principals,
		events:     dispatcher,
		metrics:    metrics,
		validator:  validator,
		sweeper:    newBlacklistSweeper(blacklist, metrics, b.config.Blacklist.SweepInterval),
		clock:      clock,
	}

	b.built = true
	return a, nil
}
