package intents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another projection already holds the episode.
var ErrLockHeld = errors.New("intents: projection lock held")

// Locker grants exclusive per-key access. release must be called once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker holds locks as redis keys with a TTL so a crashed holder
// cannot wedge an episode forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a redis-backed locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "carepath:lock:"}
}

// Acquire takes key or fails fast with ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("intents: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		// Background context: the caller's may already be cancelled.
		_ = releaseScript.Run(context.Background(), l.client, []string{full}, token).Err()
	}, nil
}

// KeyedMutex is the in-process locker used when redis is not configured.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex creates an in-process locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// Acquire takes key or fails fast with ErrLockHeld. ttl is ignored.
func (k *KeyedMutex) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return nil, ErrLockHeld
	}
	k.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.held, key)
			k.mu.Unlock()
		})
	}, nil
}
