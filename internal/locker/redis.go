package locker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Locker grants single-holder advisory locks keyed by sweep type, so
// overlapping sweeps across replicas skip rather than double-act.
type Locker interface {
	// TryLock attempts to acquire the lock without blocking. When ok is
	// true the caller owns the lock until it calls release or the TTL
	// expires.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

type redisLocker struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisLocker constructs a Redis backed sweep locker.
func NewRedisLocker(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (Locker, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisLocker{
		client: client,
		logger: logger.With("component", "locker"),
		prefix: "deployer:sweeplock:",
		ttl:    ttl,
	}, nil
}

func (l *redisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Only the holder's token may delete the key; an expired lock
		// re-acquired elsewhere stays untouched.
		if err := l.client.Eval(relCtx, releaseScript, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("failed to release sweep lock", "key", key, "error", err)
		}
	}
	return release, true, nil
}

// Close releases the underlying Redis connection.
func (l *redisLocker) Close() {
	if l.client != nil {
		_ = l.client.Close()
	}
}
