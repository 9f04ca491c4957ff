// Package coordination provides Redis-backed coordination primitives for
// processes that must run at most once across the fleet.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seopages/spiderworker/internal/logger"
)

const (
	// DefaultLeaseTTL is the default lease time-to-live.
	DefaultLeaseTTL = 30 * time.Second

	// DefaultRenewInterval is how often Keepalive extends the lease.
	DefaultRenewInterval = 10 * time.Second
)

var (
	// ErrLeaseHeld is returned when another instance owns the lease.
	ErrLeaseHeld = errors.New("lease held by another instance")

	// ErrLeaseLost is returned when the lease is no longer owned by this
	// instance.
	ErrLeaseLost = errors.New("lease lost")
)

// releaseScript deletes the lease only when the stored token matches ours.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// renewScript extends the lease only when the stored token matches ours.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lease is a token-fenced single-holder lease on a Redis key. Each Lease
// carries a random token so a crashed holder's expired lease can never be
// released or renewed by a stale process.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	log    logger.Logger
}

// NewLease creates a lease on key. The lease is not acquired until Acquire.
func NewLease(client *redis.Client, key string, ttl time.Duration, log logger.Logger) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
		log:    log,
	}
}

// Acquire takes the lease if it is free. Returns ErrLeaseHeld when another
// instance owns it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// Release gives the lease up if this instance still holds it.
func (l *Lease) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if result == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Renew extends the lease TTL if this instance still holds it.
func (l *Lease) Renew(ctx context.Context) error {
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if result == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Keepalive renews the lease every interval until ctx is cancelled or the
// lease is lost. Returns nil on cancellation, ErrLeaseLost when another
// instance took over.
func (l *Lease) Keepalive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				if errors.Is(err, ErrLeaseLost) {
					l.log.Warn("lease lost", logger.String("key", l.key))
					return ErrLeaseLost
				}
				l.log.Error("lease renew failed",
					logger.String("key", l.key),
					logger.Error(err))
			}
		}
	}
}

// Key returns the lease key.
func (l *Lease) Key() string {
	return l.key
}

// Token returns the fencing token.
func (l *Lease) Token() string {
	return l.token
}
