package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// PoolConfig sizes the database/sql pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	// ConnectAttempts is how many times the initial ping is tried.
	ConnectAttempts int
}

const (
	defaultMaxOpenConns = 20
	defaultMaxIdleConns = 10
	connectBackoff      = 500 * time.Millisecond
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	return OpenPool(ctx, databaseURL, PoolConfig{})
}

// OpenPool opens the pgx-backed pool and pings it, backing off between
// attempts so the API can start alongside its database container.
func OpenPool(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(orDefault(pool.MaxIdleConns, defaultMaxIdleConns))
	db.SetMaxOpenConns(orDefault(pool.MaxOpenConns, defaultMaxOpenConns))

	attempts := orDefault(pool.ConnectAttempts, 1)
	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt >= attempts {
			break
		}
		wait := time.Duration(attempt) * connectBackoff
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("database not ready")
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("ping db: %w", err)
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
