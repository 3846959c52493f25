package bus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"arbiter/internal/types"
)

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================
// One breaker guards one (provider, capability) pair. Consecutive failures
// open it; an open breaker fast-rejects until its cooldown deadline, then
// admits exactly one probe. A probe success closes the breaker; a probe
// failure reopens it with a doubled cooldown, bounded by the configured
// maximum.

// BreakerState is the circuit state for one (provider, capability) pair.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSettings holds the failure threshold and cooldown bounds.
type BreakerSettings struct {
	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

// BreakerStatus is a point-in-time view of one breaker for operators.
type BreakerStatus struct {
	Provider      string        `json:"provider"`
	Capability    string        `json:"capability"`
	State         BreakerState  `json:"state"`
	Failures      int           `json:"failures"`
	CooldownUntil time.Time     `json:"cooldown_until,omitempty"`
	LastLatency   time.Duration `json:"last_latency,omitempty"`
}

type breaker struct {
	settings BreakerSettings

	mu          sync.Mutex
	state       BreakerState
	failures    int           // consecutive failures while closed
	opens       int           // consecutive opens; drives the backoff
	cooldownEnd time.Time
	probing     bool          // a half-open probe is in flight
	lastLatency time.Duration // last successful call
}

func newBreaker(settings BreakerSettings) *breaker {
	return &breaker{settings: settings, state: BreakerClosed}
}

// Allow reports whether a call may proceed now. An open breaker whose
// cooldown has elapsed transitions to half-open and admits the caller as
// the single probe; further callers are rejected until the probe settles.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Before(b.cooldownEnd) {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// available is the non-mutating form of Allow, used for candidate ranking.
func (b *breaker) available(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return !now.Before(b.cooldownEnd)
	case BreakerHalfOpen:
		return !b.probing
	}
	return false
}

// RecordSuccess closes the breaker (or keeps it closed) and clears the
// backoff. Returns true when the state changed.
func (b *breaker) RecordSuccess(latency time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	changed := b.state != BreakerClosed
	b.state = BreakerClosed
	b.failures = 0
	b.opens = 0
	b.probing = false
	b.cooldownEnd = time.Time{}
	b.lastLatency = latency
	return changed
}

// RecordFailure counts one failure. Crossing the threshold while closed, or
// failing the half-open probe, opens the breaker with an exponentially
// longer cooldown. Returns true when the state changed.
func (b *breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures < b.settings.FailureThreshold {
			return false
		}
		b.open(now)
		return true
	case BreakerHalfOpen:
		b.probing = false
		b.open(now)
		return true
	case BreakerOpen:
		// Late failure from a call admitted before the breaker opened.
		return false
	}
	return false
}

func (b *breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.failures = 0
	b.opens++
	b.cooldownEnd = now.Add(b.cooldown())
}

// cooldown doubles per consecutive open, capped at MaxCooldown.
func (b *breaker) cooldown() time.Duration {
	d := b.settings.BaseCooldown
	for i := 1; i < b.opens; i++ {
		d *= 2
		if d >= b.settings.MaxCooldown {
			return b.settings.MaxCooldown
		}
	}
	if d > b.settings.MaxCooldown {
		d = b.settings.MaxCooldown
	}
	return d
}

func (b *breaker) latency() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLatency
}

func (b *breaker) status(provider string, capability types.Capability) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Provider:      provider,
		Capability:    string(capability),
		State:         b.state,
		Failures:      b.failures,
		CooldownUntil: b.cooldownEnd,
		LastLatency:   b.lastLatency,
	}
}

// =============================================================================
// BREAKER SET
// =============================================================================

// breakerSet lazily creates one breaker per (provider, capability) pair.
// Breaker state is process-local; a restart reconstructs it from scratch.
type breakerSet struct {
	settings BreakerSettings

	mu       sync.RWMutex
	breakers map[string]*breaker
}

func newBreakerSet(settings BreakerSettings) *breakerSet {
	return &breakerSet{
		settings: settings,
		breakers: make(map[string]*breaker),
	}
}

func breakerKey(provider string, capability types.Capability) string {
	return provider + "|" + string(capability)
}

func (s *breakerSet) get(provider string, capability types.Capability) *breaker {
	key := breakerKey(provider, capability)

	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b = newBreaker(s.settings)
	s.breakers[key] = b
	return b
}

func (s *breakerSet) statuses() []BreakerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BreakerStatus, 0, len(s.breakers))
	for key, b := range s.breakers {
		provider, capability, _ := strings.Cut(key, "|")
		out = append(out, b.status(provider, types.Capability(capability)))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}
