// Package locks serializes work per business key: one order, or one
// delivery, at a time across the webhook pool and the dispatch scheduler.
package locks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-dispatch/core"
)

const (
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	redisKeyPrefix    = "dispatch:lock:"
)

// Unlock releases a held key. It is safe to call more than once.
type Unlock func()

// KeyLocker grants exclusive access to a key until the returned Unlock runs
// or ctx ends while waiting.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

func OrderKey(storeID string, platformOrderID string) string {
	return "order:" + strings.TrimSpace(storeID) + ":" + strings.TrimSpace(platformOrderID)
}

func DeliveryKey(externalDeliveryID string) string {
	return "delivery:" + strings.TrimSpace(externalDeliveryID)
}

type memoryEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryKeyLocker holds one semaphore per key, dropped once no caller holds
// or waits on it.
type MemoryKeyLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

var _ KeyLocker = (*MemoryKeyLocker)(nil)

func NewMemoryKeyLocker() *MemoryKeyLocker {
	return &MemoryKeyLocker{entries: map[string]*memoryEntry{}}
}

func (l *MemoryKeyLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if l == nil {
		return nil, fmt.Errorf("locks: memory locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("locks: key is required")
	}

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &memoryEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.release(key, entry, true)
		})
	}, nil
}

// Len reports how many keys are currently tracked.
func (l *MemoryKeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryKeyLocker) release(key string, entry *memoryEntry, held bool) {
	if held {
		<-entry.sem
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}

// RedisKeyLocker takes keys through redislock so that several processes can
// share one database. Obtain retries with linear backoff until ctx ends.
type RedisKeyLocker struct {
	client     *redislock.Client
	ttl        time.Duration
	retryDelay time.Duration
	observer   *core.Observer
}

var _ KeyLocker = (*RedisKeyLocker)(nil)

func NewRedisKeyLocker(client redis.UniversalClient, ttl time.Duration, observer *core.Observer) *RedisKeyLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if observer == nil {
		observer = core.NewObserver(nil, nil)
	}
	return &RedisKeyLocker{
		client:     redislock.New(client),
		ttl:        ttl,
		retryDelay: defaultRetryDelay,
		observer:   observer,
	}
}

func (l *RedisKeyLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("locks: redis locker is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("locks: key is required")
	}
	lock, err := l.client.Obtain(ctx, redisKeyPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retryDelay),
	})
	if err != nil {
		if err == redislock.ErrNotObtained && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("locks: obtain %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done; release must still run.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && err != redislock.ErrLockNotHeld {
				l.observer.Log(releaseCtx, "warn", "failed to release redis lock", map[string]any{
					"key":   key,
					"error": err.Error(),
				})
			}
		})
	}, nil
}

// NewKeyLocker builds the locker selected by cfg.Backend. The redis client is
// returned so the caller can close it on shutdown.
func NewKeyLocker(cfg core.LockConfig, observer *core.Observer) (KeyLocker, *redis.Client, error) {
	switch strings.TrimSpace(cfg.Backend) {
	case "", core.LockBackendMemory:
		return NewMemoryKeyLocker(), nil, nil
	case core.LockBackendRedis:
		addr := strings.TrimSpace(cfg.RedisAddr)
		if addr == "" {
			return nil, nil, fmt.Errorf("locks: redis address is required")
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		return NewRedisKeyLocker(client, cfg.TTL, observer), client, nil
	default:
		return nil, nil, fmt.Errorf("locks: unknown backend %q", cfg.Backend)
	}
}
