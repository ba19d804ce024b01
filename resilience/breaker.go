package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one external target.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a per-target circuit breaker. It opens after Threshold
// consecutive transient failures, stays open for its cooldown, then admits a
// single trial call; a successful trial closes it, a failed one reopens it
// with the cooldown doubled up to MaxCooldown.
//
// Breakers are process-wide and shared across concurrent callers; all state
// is guarded by the mutex. Nothing is persisted — a restart starts closed.
type Breaker struct {
	mu sync.Mutex

	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	state         BreakerState
	failures      int
	cooldown      time.Duration
	openedAt      time.Time
	lastChange    time.Time
	trialInFlight bool

	now func() time.Time // injectable for tests
}

func NewBreaker(threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	return &Breaker{
		threshold:    threshold,
		baseCooldown: cooldown,
		maxCooldown:  maxCooldown,
		state:        BreakerClosed,
		cooldown:     cooldown,
		lastChange:   time.Now(),
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen until the cooldown elapses, then admits exactly one trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.lastChange = b.now()
		b.trialInFlight = true
		return nil
	default: // half-open
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
}

// OnSuccess records a successful call, or any response proving the target is
// reachable, and closes the circuit.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.cooldown = b.baseCooldown
		b.lastChange = b.now()
	}
}

// OnFailure records a transient failure. In half-open state it reopens with a
// doubled cooldown; in closed state it opens once the threshold is hit.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.trialInFlight = false
		b.cooldown = min(b.cooldown*2, b.maxCooldown)
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.failures = 0
	b.openedAt = b.now()
	b.lastChange = b.openedAt
}

// Snapshot returns the current state for health reporting.
func (b *Breaker) Snapshot() (BreakerState, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.lastChange
}

// Registry holds the breakers for every operator and gateway in the process.
// It is constructed at startup and injected, never a package-level singleton,
// so tests build a fresh one per case.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for the target, creating it with the given
// parameters on first use.
func (r *Registry) Get(target string, threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[target]; ok {
		return b
	}
	b := NewBreaker(threshold, cooldown, maxCooldown)
	r.breakers[target] = b
	return b
}

// States returns a snapshot of every registered breaker, keyed by target.
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		state, _ := b.Snapshot()
		out[name] = state
	}
	return out
}
