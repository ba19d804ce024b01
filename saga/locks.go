package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
)

// ErrBookingBusy is returned when another process is already driving the
// booking through a transition.
var ErrBookingBusy = errors.New("booking busy")

// Locker grants exclusive write access to one booking at a time. Acquire
// fails fast with ErrBookingBusy rather than queueing.
type Locker interface {
	Acquire(ctx context.Context, bookingID uuid.UUID) (release func(), err error)
}

// RedisLocker backs booking exclusivity with SET NX so it holds across
// processes. The TTL bounds how long a crashed holder can block a booking.
type RedisLocker struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{Client: client, TTL: ttl}
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLocker) Acquire(ctx context.Context, bookingID uuid.UUID) (func(), error) {
	key := "booking_lock:" + bookingID.String()
	token := uuid.NewString()

	ok, err := l.Client.SetNX(ctx, key, token, l.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire booking lock: %w", err)
	}
	if !ok {
		return nil, ErrBookingBusy
	}

	release := func() {
		// Best effort; an expired lock self-heals via the TTL.
		if err := releaseScript.Run(context.Background(), l.Client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.WarnLogger.Warnf("Failed to release booking lock %s: %v", key, err)
		}
	}
	return release, nil
}

// MemoryLocker is a single-process Locker used in tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *MemoryLocker) Acquire(_ context.Context, bookingID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[bookingID]; busy {
		return nil, ErrBookingBusy
	}
	l.held[bookingID] = struct{}{}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, bookingID)
	}, nil
}
