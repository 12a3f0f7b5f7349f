// Package lock provides a Redis-backed mutex so that several unisync
// processes sharing one external service never batch-sync at the same time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/unisync/internal/logging"
)

// DefaultTTL bounds how long a crashed holder can block others.
const DefaultTTL = 10 * time.Minute

// Config holds the Redis connection settings.
type Config struct {
	URL      string
	Password string
	Key      string
	TTL      time.Duration
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single named lock with token-checked release.
type RedisLock struct {
	rdb *redis.Client
	key string
	ttl time.Duration
	log *logging.Logger
}

// NewRedisLock connects to Redis and verifies the connection.
func NewRedisLock(cfg Config, log *logging.Logger) (*RedisLock, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisLock(rdb, cfg, log), nil
}

func newRedisLock(rdb *redis.Client, cfg Config, log *logging.Logger) *RedisLock {
	if cfg.Key == "" {
		cfg.Key = "unisync:sync:batch"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &RedisLock{rdb: rdb, key: cfg.Key, ttl: cfg.TTL, log: log.Sub("lock")}
}

// Acquire tries to take the lock without waiting. On success it returns the
// token that Release needs.
func (l *RedisLock) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		l.log.Debug().Str("key", l.key).Msg("lock held elsewhere")
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if token still owns it. Releasing an expired or
// stolen lock is not an error.
func (l *RedisLock) Release(ctx context.Context, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	if n == 0 {
		l.log.Warn().Str("key", l.key).Msg("lock expired before release")
	}
	return nil
}

// Close closes the Redis connection.
func (l *RedisLock) Close() error {
	return l.rdb.Close()
}
