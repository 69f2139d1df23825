package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/denver/internal/trading/engine"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never removes a lock taken over by another replica.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisCmdable is the subset of the go-redis client the lock needs.
type RedisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// NewRedisClient creates a go-redis client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisLock is a single-owner lock shared by every replica running the
// matching scheduler. The TTL bounds how long a crashed holder blocks others.
type RedisLock struct {
	client RedisCmdable
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLock creates a lock on key.
func NewRedisLock(client RedisCmdable, key string, ttl time.Duration, logger *zap.Logger) *RedisLock {
	if key == "" {
		key = "denver:matching:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{client: client, key: key, ttl: ttl, logger: logger.Named("redis_lock")}
}

// TryAcquire implements engine.DistributedLock.
func (l *RedisLock) TryAcquire(ctx context.Context) (engine.Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", l.key, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{lock: l, token: token}, nil
}

type redisLease struct {
	lock  *RedisLock
	token string
}

func (r *redisLease) Release(ctx context.Context) error {
	n, err := r.lock.client.Eval(ctx, releaseScript, []string{r.lock.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("redis release %s: %w", r.lock.key, err)
	}
	if n == 0 {
		r.lock.logger.Warn("matching lock expired before release", zap.String("key", r.lock.key))
	}
	return nil
}
