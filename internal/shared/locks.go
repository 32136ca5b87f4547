package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReconciliationLockKey is the redis key guarding ledger reconciliation runs.
const ReconciliationLockKey = "ledger:reconcile:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// ErrLockNotHeld indicates Unlock was called by a holder that no longer owns the key.
var ErrLockNotHeld = errors.New("lock not held")

// RedisMutex is a non-blocking mutex shared by every process using the same
// redis. While held, the lease is extended every TTL/3, so the TTL only bounds
// how long a crashed holder can keep the key.
type RedisMutex struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

// NewRedisMutex constructs a mutex on key.
func NewRedisMutex(client *redis.Client, key string, ttl time.Duration) *RedisMutex {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisMutex{client: client, key: key, ttl: ttl}
}

// TryLock attempts SET NX once and reports whether the lock was taken.
func (m *RedisMutex) TryLock(ctx context.Context) (bool, error) {
	if m == nil || m.client == nil {
		return false, errors.New("redis mutex not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key, token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("shared: lock %s: %w", m.key, err)
	}
	if ok {
		m.token = token
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.keepAlive(token, m.stop, m.done)
	}
	return ok, nil
}

// keepAlive extends the lease until stop closes or the key stops carrying token.
func (m *RedisMutex) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := m.ttl / 3
	if interval <= 0 {
		interval = m.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			extended, err := extendScript.Run(ctx, m.client, []string{m.key}, token, m.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && extended == 0 {
				return
			}
		}
	}
}

// Unlock deletes the key only when it still carries this holder's token.
func (m *RedisMutex) Unlock(ctx context.Context) error {
	if m == nil || m.client == nil {
		return errors.New("redis mutex not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return ErrLockNotHeld
	}
	token := m.token
	m.token = ""
	close(m.stop)
	<-m.done
	deleted, err := releaseScript.Run(ctx, m.client, []string{m.key}, token).Int()
	if err != nil {
		return fmt.Errorf("shared: unlock %s: %w", m.key, err)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}
