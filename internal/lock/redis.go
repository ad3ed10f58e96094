package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/internal/naming"
)

const (
	// DefaultRedisTTL bounds how long a crashed holder blocks a name.
	DefaultRedisTTL = 30 * time.Second

	redisRetryDelay = 100 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends the key's TTL only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every process using the same Redis server.
//
// Locks expire after the TTL unless refreshed; a held lock is refreshed at a
// third of the TTL until released.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis returns a Redis locker. A zero ttl uses DefaultRedisTTL. Failed
// lease refreshes are logged to log, which may be nil.
func NewRedis(client *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, log: log}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection to %s failed: %w", addr, err)
	}
	return client, nil
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, name string) (Release, error) {
	key := naming.LockKey(name)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock on %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", name, ctx.Err())
		case <-time.After(redisRetryDelay):
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.refresh(name, key, token, stop)
	}()

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			close(stop)
			wg.Wait()
			// Release must succeed even if the caller's context is done.
			err := releaseScript.Run(context.Background(), r.client, []string{key}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				releaseErr = fmt.Errorf("failed to release lock on %s: %w", name, err)
			}
		})
		return releaseErr
	}, nil
}

// refresh extends the lease until stop is closed or the lease is lost.
func (r *Redis) refresh(name, key, token string, stop <-chan struct{}) {
	log := r.log.With(zap.String("vm", name))
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := refreshScript.Run(context.Background(), r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
			switch {
			case err != nil:
				log.Warn("failed to refresh lock lease", zap.Error(err))
			case n == 0:
				log.Warn("lock lease lost; another holder may run concurrently")
				return
			}
		}
	}
}
