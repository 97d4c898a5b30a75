package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homestay/internal/config"
	"homestay/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// deadlines on callers' contexts bound socket reads and writes
		ContextTimeoutEnabled: true,
	})
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a SET NX PX lock shared by every API instance.
// The TTL bounds how long a crashed holder blocks a listing; overlap safety
// itself is enforced by the store.
type RedisLocker struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	waitRetry time.Duration
}

var _ domain.Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client, cfg config.LockingConfig) *RedisLocker {
	return &RedisLocker{
		client:    client,
		prefix:    "homestay:lock:",
		ttl:       cfg.TTL,
		waitRetry: cfg.WaitRetry,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.client == nil {
		return nil, errors.New("redis client is nil")
	}

	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire redis lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.waitRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
	}, nil
}
