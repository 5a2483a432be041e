package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals an absent row.
var ErrNotFound = errors.New("not found")

// DB wraps the warehouse connection pool with a per-query timeout.
type DB struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// Open connects to the warehouse and verifies connectivity.
func Open(ctx context.Context, dsn string, queryTimeout time.Duration) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &DB{Pool: pool, queryTimeout: queryTimeout}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// bound applies the configured query timeout to ctx.
func (d *DB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.queryTimeout)
}
