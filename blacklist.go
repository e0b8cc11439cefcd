package tokencore

import (
	"sync"
	"time"
)

// BlacklistEntry records why a token identifier was revoked and when the
// entry itself may be pruned.
type BlacklistEntry struct {
	Reason  string
	PruneAt time.Time
}

// BlacklistRegistry tracks revoked token identifiers. Membership checks
// are O(1) under a read lock; writes (revocations, sweeps) are rare and
// take the write lock briefly. The registry is an injected component with
// its own lifecycle, never a package-level singleton.
type BlacklistRegistry struct {
	mu      sync.RWMutex
	entries map[string]BlacklistEntry
	grace   time.Duration
	clock   Clock
}

// NewBlacklistRegistry creates an empty registry. grace extends entry
// retention past the underlying token's natural expiry.
func NewBlacklistRegistry(grace time.Duration, clock Clock) *BlacklistRegistry {
	if clock == nil {
		clock = realClock{}
	}
	if grace <= 0 {
		grace = defaultBlacklistGrace
	}
	return &BlacklistRegistry{
		entries: make(map[string]BlacklistEntry),
		grace:   grace,
		clock:   clock,
	}
}

// Add marks jti revoked. ttl is the remaining natural lifetime of the
// token; the entry survives ttl plus the configured grace so it outlives
// every copy of the token still in flight.
func (b *BlacklistRegistry) Add(jti, reason string, ttl time.Duration) {
	if jti == "" {
		return
	}
	if ttl < 0 {
		ttl = 0
	}
	entry := BlacklistEntry{
		Reason:  reason,
		PruneAt: b.clock.Now().Add(ttl + b.grace),
	}

	b.mu.Lock()
	b.entries[jti] = entry
	b.mu.Unlock()
}

// IsBlacklisted reports whether jti has been revoked.
func (b *BlacklistRegistry) IsBlacklisted(jti string) bool {
	_, ok := b.Lookup(jti)
	return ok
}

// Lookup returns the entry for jti when present. Validation uses the
// reason to distinguish explicit revocation from session-limit eviction.
func (b *BlacklistRegistry) Lookup(jti string) (BlacklistEntry, bool) {
	b.mu.RLock()
	entry, ok := b.entries[jti]
	b.mu.RUnlock()
	return entry, ok
}

// Sweep removes entries whose prune time has passed and returns how many
// were removed. It holds the write lock only while deleting.
func (b *BlacklistRegistry) Sweep(now time.Time) int {
	b.mu.Lock()
	removed := 0
	for jti, entry := range b.entries {
		if !entry.PruneAt.After(now) {
			delete(b.entries, jti)
			removed++
		}
	}
	b.mu.Unlock()
	return removed
}

// Len returns the number of live entries.
func (b *BlacklistRegistry) Len() int {
	b.mu.RLock()
	n := len(b.entries)
	b.mu.RUnlock()
	return n
}

type blacklistSweeper struct {
	registry *BlacklistRegistry
	metrics  *Metrics
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// The sweeper runs on its own ticker and never blocks foreground
// validation beyond the registry's short write lock.
func newBlacklistSweeper(registry *BlacklistRegistry, metrics *Metrics, interval time.Duration) *blacklistSweeper {
	s := &blacklistSweeper{
		registry: registry,
		metrics:  metrics,
		interval: interval,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *blacklistSweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			swept := s.registry.Sweep(s.registry.clock.Now())
			s.metrics.Add(MetricBlacklistSwept, uint64(swept))
		case <-s.done:
			return
		}
	}
}

func (s *blacklistSweeper) stop() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
