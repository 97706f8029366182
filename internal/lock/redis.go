package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker is a single-instance Redis lock with an owner token, renewed
// while held so long installs do not lose it.
type RedisLocker struct {
	client     redis.UniversalClient
	key        string
	owner      string
	ttl        time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	ownsClient bool
}

func NewRedisFromURL(url, key, owner string, ttl, retryDelay time.Duration, logger *slog.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	l, err := NewRedis(redis.NewClient(opts), key, owner, ttl, retryDelay, logger)
	if err != nil {
		return nil, err
	}
	// The client is closed with the first lease released.
	l.ownsClient = true
	return l, nil
}

func NewRedis(client redis.UniversalClient, key, owner string, ttl, retryDelay time.Duration, logger *slog.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" || owner == "" {
		return nil, errors.New("lock key and owner are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, key: key, owner: owner, ttl: ttl, retryDelay: retryDelay, logger: logger}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context) (Lease, error) {
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("redis lock %s: %w", l.key, err)
		}
		if ok {
			return l.startLease(), nil
		}
		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) startLease() *redisLease {
	renewCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{locker: l, cancel: cancel, done: make(chan struct{}), lost: make(chan struct{})}
	go lease.renew(renewCtx)
	return lease
}

type redisLease struct {
	locker *RedisLocker
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
	once   sync.Once
	err    error
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) renew(ctx context.Context) {
	defer close(l.done)
	interval := l.locker.ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.locker.client, []string{l.locker.key}, l.locker.owner, l.locker.ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				l.locker.logger.Warn("install lock renew failed", "key", l.locker.key, "error", err)
				if time.Since(renewed) < l.locker.ttl {
					continue
				}
			} else if n != 0 {
				renewed = time.Now()
				continue
			}
			l.locker.logger.Error("install lock lost", "key", l.locker.key, "owner", l.locker.owner)
			close(l.lost)
			return
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		if err := releaseScript.Run(ctx, l.locker.client, []string{l.locker.key}, l.locker.owner).Err(); err != nil {
			l.err = fmt.Errorf("release redis lock %s: %w", l.locker.key, err)
		}
		if l.locker.ownsClient {
			l.err = errors.Join(l.err, l.locker.client.Close())
		}
	})
	return l.err
}
