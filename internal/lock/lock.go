// Package lock guards a mailbox against concurrent scans from worker
// processes that share one database.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker hands out short-lived exclusive locks by key.
type Locker interface {
	// Acquire returns a release func when the lock was taken. ok is false
	// when another holder owns it.
	Acquire(ctx context.Context, key string) (release func(), ok bool)
}

const keyPrefix = "refundscout:lock:"

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

// NewRedisLocker connects to addr and verifies the connection.
func NewRedisLocker(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis %s: %w", addr, err)
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, log: logger}, nil
}

// Acquire takes the lock for key. When Redis is unreachable the lock is
// granted so scans keep running on the store's own guard.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), bool) {
	token := uuid.NewString()
	full := keyPrefix + key

	ok, err := l.rdb.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		l.log.Warn("redis lock unavailable, continuing without it",
			zap.String("key", full), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		l.log.Info("lock held elsewhere", zap.String("key", full))
		return nil, false
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{full}, token).Err(); err != nil {
			l.log.Warn("releasing lock failed", zap.String("key", full), zap.Error(err))
		}
	}
	return release, true
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

// Nop grants every lock.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (func(), bool) { return func() {}, true }
