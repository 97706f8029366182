// Package probe waits for backing services to accept TCP connections.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/juju/clock"

	"github.com/animus-labs/appbootstrap/internal/domain"
)

const (
	minAttemptTimeout = 100 * time.Millisecond
	maxAttemptTimeout = 5 * time.Second
)

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Check runs after a successful TCP connect to confirm the service speaks
// its protocol. A failing check counts as a failed attempt.
type Check func(ctx context.Context, endpoint domain.Endpoint) error

// Recorder receives one call per probe attempt.
type Recorder interface {
	ObserveProbe(endpoint string, ok bool)
}

type Prober struct {
	Clock  clock.Clock
	Dial   DialFunc
	Logger *slog.Logger

	// AttemptTimeout bounds one connect+check. Zero derives it from the
	// retry interval.
	AttemptTimeout time.Duration

	// Checks are keyed by endpoint name.
	Checks   map[string]Check
	Recorder Recorder
}

func New(logger *slog.Logger) *Prober {
	var d net.Dialer
	return &Prober{
		Clock:  clock.WallClock,
		Dial:   d.DialContext,
		Logger: logger,
		Checks: map[string]Check{},
	}
}

// AwaitReachable tries endpoint up to maxAttempts times, sleeping interval
// after every failed attempt. It never retries indefinitely.
func (p *Prober) AwaitReachable(ctx context.Context, endpoint domain.Endpoint, interval time.Duration, maxAttempts int) error {
	if maxAttempts < 1 {
		return domain.Errorf(domain.KindConfiguration, "probe %s: max attempts must be >= 1, got %d", endpoint.Name, maxAttempts)
	}
	if interval <= 0 {
		return domain.Errorf(domain.KindConfiguration, "probe %s: retry interval must be positive", endpoint.Name)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.attempt(ctx, endpoint, interval)
		p.record(endpoint.Name, err == nil)
		if err == nil {
			p.logger().Info("endpoint reachable", "endpoint", endpoint.Name, "address", endpoint.Address(), "attempt", attempt)
			return nil
		}
		lastErr = err
		p.logger().Warn("endpoint not reachable",
			"endpoint", endpoint.Name,
			"address", endpoint.Address(),
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return domain.Errorf(domain.KindTransientNetwork, "%s connection wait aborted after %d attempts: %w", endpoint.Name, attempt, ctx.Err())
		case <-p.clock().After(interval):
		}
	}
	return domain.Errorf(domain.KindTransientNetwork, "%s connection timeout: %s unreachable after %d attempts: %w",
		endpoint.Name, endpoint.Address(), maxAttempts, lastErr)
}

// AwaitAll probes endpoints in order and stops at the first that never
// becomes reachable.
func (p *Prober) AwaitAll(ctx context.Context, endpoints []domain.Endpoint, interval time.Duration, maxAttempts int) error {
	for _, ep := range endpoints {
		if err := p.AwaitReachable(ctx, ep, interval, maxAttempts); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prober) attempt(ctx context.Context, endpoint domain.Endpoint, interval time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout(interval))
	defer cancel()

	dial := p.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(attemptCtx, "tcp", endpoint.Address())
	if err != nil {
		return err
	}
	_ = conn.Close()

	if check, ok := p.Checks[endpoint.Name]; ok && check != nil {
		if err := check(attemptCtx, endpoint); err != nil {
			return fmt.Errorf("protocol check: %w", err)
		}
	}
	return nil
}

func (p *Prober) attemptTimeout(interval time.Duration) time.Duration {
	if p.AttemptTimeout > 0 {
		return p.AttemptTimeout
	}
	d := interval
	if d < minAttemptTimeout {
		d = minAttemptTimeout
	}
	if d > maxAttemptTimeout {
		d = maxAttemptTimeout
	}
	return d
}

func (p *Prober) clock() clock.Clock {
	if p.Clock == nil {
		return clock.WallClock
	}
	return p.Clock
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Prober) record(name string, ok bool) {
	if p.Recorder != nil {
		p.Recorder.ObserveProbe(name, ok)
	}
}
