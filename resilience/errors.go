package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/gateways"
	"github.com/ayoubbenmbarek/maritime-reservation-backend/clients/operators"
)

var (
	// ErrCircuitOpen is returned without contacting the target while its
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRateLimited signals the local quota for the target is exhausted.
	ErrRateLimited = errors.New("rate limited")
)

// IsTransient reports whether an error is worth retrying: network trouble,
// timeouts, 5xx-style unavailability, or a rate-limit signal. Business errors
// (no availability, declined, expired hold) are final and pass through.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, operators.ErrOperatorUnavailable) ||
		errors.Is(err, gateways.ErrGatewayUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
