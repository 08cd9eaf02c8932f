// Package postgres provides the PostgreSQL query executor consumed by the
// context aggregator and the entity resolver's channel search.
//
// The executor returns plain row mappings (column name → value) so that
// callers stay independent of pgx types:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	rows, err := store.Query(ctx, "SELECT id, name FROM channels WHERE organization_id = $1", orgID)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Querier executes read queries and returns plain row mappings.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
}

// Compile-time interface check.
var _ Querier = (*Store)(nil)

// Store is a [Querier] backed by a [pgxpool.Pool]. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Option configures the pool created by [NewStore].
type Option func(*pgxpool.Config)

// WithMaxConns caps the number of pooled connections.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithMaxConnIdleTime sets how long an idle connection is kept.
func WithMaxConnIdleTime(d time.Duration) Option {
	return func(c *pgxpool.Config) {
		if d > 0 {
			c.MaxConnIdleTime = d
		}
	}
}

// NewStore creates a connection pool to the PostgreSQL database at dsn and
// verifies it with a ping.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Query implements [Querier].
func (s *Store) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("postgres store: collect rows: %w", err)
	}
	return out, nil
}

// Ping verifies that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying pool, e.g. for [Migrate].
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
