// Package lock serialises install attempts across containers that share an
// install root.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/platform/env"
)

const (
	BackendFile  = "file"
	BackendRedis = "redis"

	DefaultFileName   = ".bootstrap.lock"
	DefaultTimeout    = 15 * time.Minute
	DefaultTTL        = time.Minute
	DefaultRetryDelay = 500 * time.Millisecond
)

var (
	ErrTimeout = errors.New("timed out waiting for install lock")
	ErrLost    = errors.New("install lock lost while held")
)

// Locker acquires the install lock. Acquire blocks until the lock is held
// or ctx ends.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once. Lost is
// closed if the lock stops being held before Release; it is nil for locks
// that cannot be lost.
type Lease interface {
	Release(ctx context.Context) error
	Lost() <-chan struct{}
}

type Config struct {
	Backend    string
	FilePath   string
	RedisURL   string
	RedisKey   string
	Timeout    time.Duration
	TTL        time.Duration
	RetryDelay time.Duration
}

func ConfigFromEnv(root string) (Config, error) {
	timeout, err := env.Duration("LOCK_TIMEOUT", DefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	ttl, err := env.Duration("LOCK_TTL", DefaultTTL)
	if err != nil {
		return Config{}, err
	}
	retryDelay, err := env.Duration("LOCK_RETRY_DELAY", DefaultRetryDelay)
	if err != nil {
		return Config{}, err
	}
	path := env.String("LOCK_FILE", DefaultFileName)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	cfg := Config{
		Backend:    strings.ToLower(env.String("LOCK_BACKEND", BackendFile)),
		FilePath:   path,
		RedisURL:   env.String("LOCK_REDIS_URL", ""),
		RedisKey:   env.String("LOCK_REDIS_KEY", "appbootstrap:install:"+filepath.Clean(root)),
		Timeout:    timeout,
		TTL:        ttl,
		RetryDelay: retryDelay,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if strings.TrimSpace(c.FilePath) == "" {
			return errors.New("LOCK_FILE is required")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("LOCK_REDIS_URL is required for the redis lock backend")
		}
		if strings.TrimSpace(c.RedisKey) == "" {
			return errors.New("LOCK_REDIS_KEY is required")
		}
		if c.TTL < time.Second {
			return errors.New("LOCK_TTL must be at least 1s")
		}
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.Backend)
	}
	if c.Timeout <= 0 {
		return errors.New("LOCK_TIMEOUT must be positive")
	}
	if c.RetryDelay <= 0 {
		return errors.New("LOCK_RETRY_DELAY must be positive")
	}
	return nil
}

// New builds the configured Locker. Acquire is bounded by cfg.Timeout.
func New(cfg Config, owner string, logger *slog.Logger) (Locker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.Wrap(domain.KindConfiguration, err)
	}
	var inner Locker
	switch cfg.Backend {
	case BackendRedis:
		l, err := NewRedisFromURL(cfg.RedisURL, cfg.RedisKey, owner, cfg.TTL, cfg.RetryDelay, logger)
		if err != nil {
			return nil, domain.Wrap(domain.KindConfiguration, err)
		}
		inner = l
	default:
		inner = NewFile(cfg.FilePath, cfg.RetryDelay)
	}
	return WithTimeout(inner, cfg.Timeout), nil
}

type timeoutLocker struct {
	inner   Locker
	timeout time.Duration
}

// WithTimeout bounds every Acquire on l. An expired wait is reported as a
// LockError wrapping ErrTimeout.
func WithTimeout(l Locker, timeout time.Duration) Locker {
	return &timeoutLocker{inner: l, timeout: timeout}
}

func (t *timeoutLocker) Acquire(ctx context.Context) (Lease, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	lease, err := t.inner.Acquire(acquireCtx)
	if err == nil {
		return lease, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, domain.Errorf(domain.KindLock, "%w after %s", ErrTimeout, t.timeout)
	}
	return nil, domain.Wrap(domain.KindLock, err)
}
