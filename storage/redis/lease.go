// Package redis provides a Redis lease used to elect a single renewal sweeper.
// The lease only reduces duplicate work; the cycle-key unique index remains the
// correctness guard when two instances sweep at once.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if this owner still holds it
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// extendScript refreshes the TTL only if this owner still holds it
var extendScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Lease implements a named, expiring mutual-exclusion lock over Redis
type Lease struct {
	client redis.UniversalClient
	config Config
}

// Config holds lease configuration
type Config struct {
	// KeyPrefix is prepended to all lease keys (default: "gocoin:lease:")
	KeyPrefix string

	// Owner identifies this process; a random id is used when empty
	Owner string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gocoin:lease:",
	}
}

// New creates a lease backed by the given client.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Lease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocoin:lease:"
	}
	if config.Owner == "" {
		config.Owner = uuid.NewString()
	}
	return &Lease{client: client, config: config}, nil
}

// Owner returns the token written into held leases
func (l *Lease) Owner() string {
	return l.config.Owner
}

func (l *Lease) key(name string) string {
	return l.config.KeyPrefix + name
}

// Acquire takes the named lease for ttl. Returns false if another owner holds it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), l.config.Owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// Extend refreshes a lease this owner holds. Returns false if it was lost.
func (l *Lease) Extend(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(name)}, l.config.Owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease %s: %w", name, err)
	}
	return n == 1, nil
}

// Release drops a lease this owner holds. Releasing a lease held by someone else is a no-op.
func (l *Lease) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.config.Owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
