package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown, maxCooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker(threshold, cooldown, maxCooldown)
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 5*time.Minute)

	b.OnFailure()
	b.OnFailure()
	assert.NoError(t, b.Allow())

	b.OnFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 5*time.Minute)

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()
	assert.NoError(t, b.Allow())
}

func TestBreakerAdmitsSingleTrialAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second, 5*time.Minute)

	b.OnFailure()
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.advance(31 * time.Second)
	assert.NoError(t, b.Allow())
	// Second caller while the trial is in flight stays blocked.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.OnSuccess()
	assert.NoError(t, b.Allow())
	state, _ := b.Snapshot()
	assert.Equal(t, BreakerClosed, state)
}

func TestBreakerFailedTrialDoublesCooldown(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second, 5*time.Minute)

	b.OnFailure()
	clock.advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.OnFailure()

	// The original cooldown no longer suffices.
	clock.advance(31 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.advance(30 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreakerCooldownCapped(t *testing.T) {
	b, clock := newTestBreaker(1, 2*time.Minute, 3*time.Minute)

	b.OnFailure()
	for i := 0; i < 4; i++ {
		clock.advance(10 * time.Minute)
		require.NoError(t, b.Allow())
		b.OnFailure()
	}

	clock.advance(3*time.Minute + time.Second)
	assert.NoError(t, b.Allow())
}

func TestRegistryReturnsSameBreakerPerTarget(t *testing.T) {
	r := NewRegistry()

	a := r.Get("operator:CTN", 5, 30*time.Second, 5*time.Minute)
	b := r.Get("operator:CTN", 1, time.Second, time.Second)
	assert.Same(t, a, b)

	states := r.States()
	require.Len(t, states, 1)
	assert.Equal(t, BreakerClosed, states["operator:CTN"])
}
