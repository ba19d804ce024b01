package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
)

// Policy parameterizes the resilience decorator for one external target.
type Policy struct {
	Timeout     time.Duration // budget per individual call
	MaxAttempts int           // total attempts including the first
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// QuotaPerMinute sizes the local token bucket to the target's published
	// quota. Zero disables local rate limiting.
	QuotaPerMinute int64

	BreakerThreshold   int
	BreakerCooldown    time.Duration
	BreakerMaxCooldown time.Duration
}

// DefaultPolicy returns the tunable defaults: 3 attempts, 100ms backoff with
// jitter capped at 2s, breaker opening after 5 consecutive transient failures
// for 30s doubling up to 5m.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:            10 * time.Second,
		MaxAttempts:        3,
		BaseBackoff:        100 * time.Millisecond,
		MaxBackoff:         2 * time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    30 * time.Second,
		BreakerMaxCooldown: 5 * time.Minute,
	}
}

// Executor applies the full resilience stack — timeout, classified retry with
// jittered exponential backoff, local rate limiting, circuit breaking — to
// every call against one named target.
type Executor struct {
	target  string
	policy  Policy
	breaker *Breaker
	limiter *limiter.Limiter
}

// NewExecutor builds the executor for a target, registering its breaker in
// the shared registry.
func NewExecutor(target string, policy Policy, registry *Registry) *Executor {
	e := &Executor{
		target: target,
		policy: policy,
		breaker: registry.Get(target, policy.BreakerThreshold,
			policy.BreakerCooldown, policy.BreakerMaxCooldown),
	}
	if policy.QuotaPerMinute > 0 {
		e.limiter = limiter.New(memory.NewStore(), limiter.Rate{
			Period: time.Minute,
			Limit:  policy.QuotaPerMinute,
		})
	}
	return e
}

// Do runs fn under the resilience policy. Transient errors are retried until
// attempts exhaust and never surface before that; business errors return
// immediately. A breaker that is open fails fast with ErrCircuitOpen.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, e.backoff(attempt)); err != nil {
				return err
			}
		}

		if err := e.breaker.Allow(); err != nil {
			return fmt.Errorf("%s: %w", e.target, err)
		}

		if err := e.takeToken(ctx); err != nil {
			// Local quota exhausted: back off and retry without calling out.
			// Quota pressure says nothing about target health, so the
			// breaker is not touched.
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			e.breaker.OnSuccess()
			return nil
		}

		if !IsTransient(err) {
			// The target answered; a business rejection proves liveness.
			e.breaker.OnSuccess()
			return err
		}

		e.breaker.OnFailure()
		lastErr = err
		logger.WarnLogger.Warnf("Transient failure from %s (attempt %d/%d): %v",
			e.target, attempt+1, e.policy.MaxAttempts, err)
	}

	return fmt.Errorf("%s: retries exhausted: %w", e.target, lastErr)
}

func (e *Executor) takeToken(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	lctx, err := e.limiter.Get(ctx, e.target)
	if err != nil {
		return nil // local store failure must not block traffic
	}
	if lctx.Reached {
		return fmt.Errorf("%s: %w", e.target, ErrRateLimited)
	}
	return nil
}

// backoff returns the jittered exponential delay before the given attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.policy.BaseBackoff << (attempt - 1)
	if d > e.policy.MaxBackoff {
		d = e.policy.MaxBackoff
	}
	// Full jitter: anywhere in (0, d].
	return time.Duration(rand.Int63n(int64(d))) + 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
