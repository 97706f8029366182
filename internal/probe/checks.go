package probe

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/platform/postgres"
)

// PostgresCheck authenticates against the database, which a bare TCP connect
// cannot confirm.
func PostgresCheck(cfg postgres.Config) Check {
	return func(ctx context.Context, _ domain.Endpoint) error {
		return postgres.Ping(ctx, cfg)
	}
}

// RedisCheck issues PING against the endpoint.
func RedisCheck(password string) Check {
	return func(ctx context.Context, endpoint domain.Endpoint) error {
		client := redis.NewClient(&redis.Options{
			Addr:       endpoint.Address(),
			Password:   password,
			MaxRetries: -1,
		})
		defer client.Close()
		return client.Ping(ctx).Err()
	}
}
