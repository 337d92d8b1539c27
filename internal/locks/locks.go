package locks

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"accessreview.org/internal/ids"
)

// ErrHeld is returned when another worker already holds the scope lock.
var ErrHeld = errors.New("locks: scope is locked")

// ErrNotHeld is returned when releasing or extending a lease that expired
// or was taken over.
var ErrNotHeld = errors.New("locks: lease not held")

const keyPrefix = "accessreview:scope:"

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Manager serializes reconciliation per vendor scope. Distinct scopes of
// the same review may reconcile concurrently; the same scope may not.
type Manager struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewManager creates a lock manager with the given lease TTL.
func NewManager(client redis.UniversalClient, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Manager{client: client, ttl: ttl}
}

// Lease is one held scope lock. Release it when the batch commits or
// aborts; an unreleased lease expires after the TTL.
type Lease struct {
	manager *Manager
	key     string
	token   string
}

// AcquireScope takes the lock for one vendor scope, failing fast with
// ErrHeld when another worker holds it.
func (m *Manager) AcquireScope(ctx context.Context, scopeID string) (*Lease, error) {
	key := keyPrefix + scopeID
	token := ids.New()
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{manager: m, key: key, token: token}, nil
}

// Release gives the lock back. Releasing an expired or stolen lease
// returns ErrNotHeld; the caller's work may have raced another worker.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend refreshes the lease TTL for long-running batches.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.manager.client, []string{l.key}, l.token, l.manager.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
