package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a type alias for pgxpool.Pool for use in other packages.
type Pool = pgxpool.Pool

const defaultApplicationName = "docflow"

type connectOptions struct {
	applicationName string
	pingAttempts    int
	pingBackoff     time.Duration
}

// ConnectOption tunes Connect.
type ConnectOption func(*connectOptions)

// WithApplicationName sets the application_name reported to the server.
func WithApplicationName(name string) ConnectOption {
	return func(o *connectOptions) { o.applicationName = name }
}

// WithPingRetry makes Connect ping up to attempts times, doubling backoff
// after each failure.
func WithPingRetry(attempts int, backoff time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.pingAttempts = attempts
		o.pingBackoff = backoff
	}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, maxConns int, opts ...ConnectOption) (*pgxpool.Pool, error) {
	o := connectOptions{applicationName: defaultApplicationName, pingAttempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	config, err := poolConfig(databaseURL, maxConns, o)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := ping(ctx, pool, o.pingAttempts, o.pingBackoff); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func poolConfig(databaseURL string, maxConns int, o connectOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if maxConns > 0 && maxConns <= math.MaxInt32 {
		config.MaxConns = int32(maxConns) // #nosec G115 -- bounds checked above
	}
	// A name set in the URL wins.
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok && o.applicationName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = o.applicationName
	}
	return config, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool, attempts int, backoff time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("pinging database: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("pinging database after %d attempts: %w", attempts, err)
}
