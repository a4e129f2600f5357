// Package store implements the Durable Store: a pgxpool-backed relational
// metadata layer with a split read/write pool, an embedded schema applied
// on startup, and timed query helpers feeding DB metrics. Grounded on
// db/db.go's pool construction and TimedQuery/TimedQueryRow idiom.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/logger"
	"github.com/mailstack/mailstack/internal/metrics"
	"github.com/mailstack/mailstack/internal/resilient"
	"github.com/mailstack/mailstack/internal/retry"
)

//go:embed schema.sql
var schema string

// Store wraps the split read/write connection pools backing the inbox,
// sent, and user tables.
type Store struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

// NewStore connects the write pool (and, if configured, a separate read
// pool) and applies the embedded schema.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if cfg.Write == nil {
		return nil, fmt.Errorf("store: write database configuration is required")
	}

	writePool, err := newPool(ctx, cfg.Write)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create write pool: %w", err)
	}

	readPool := writePool
	if cfg.Read != nil {
		readPool, err = newPool(ctx, cfg.Read)
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("store: failed to create read pool: %w", err)
		}
	}

	s := &Store{WritePool: writePool, ReadPool: readPool}
	if _, err := s.WritePool.Exec(ctx, schema); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: failed to apply schema: %w", err)
	}
	return s, nil
}

func newPool(ctx context.Context, ep *config.DatabaseEndpointConfig) (*pgxpool.Pool, error) {
	sslMode := "disable"
	if ep.TLSMode {
		sslMode = "require"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		ep.User, ep.Password, ep.Host, ep.Port, ep.Name, sslMode)

	pgCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if ep.MaxConns > 0 {
		pgCfg.MaxConns = ep.MaxConns
	}
	if ep.MinConns > 0 {
		pgCfg.MinConns = ep.MinConns
	}
	if lifetime, err := ep.GetMaxConnLifetime(); err == nil {
		pgCfg.MaxConnLifetime = lifetime
	}
	if idle, err := ep.GetMaxConnIdleTime(); err == nil {
		pgCfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("store: connected", "host", ep.Host, "database", ep.Name)
	return pool, nil
}

func (s *Store) Close() {
	if s.WritePool != nil {
		s.WritePool.Close()
	}
	if s.ReadPool != nil && s.ReadPool != s.WritePool {
		s.ReadPool.Close()
	}
}

// TimedQueryRow runs a single-row read query against ReadPool, recording
// query count and duration metrics labeled by operation name.
func (s *Store) TimedQueryRow(ctx context.Context, operation, sql string, args ...interface{}) pgx.Row {
	start := time.Now()
	row := s.ReadPool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success", "read").Inc()
	return row
}

// TimedQuery runs a multi-row read query against ReadPool with the same
// metric bookkeeping as TimedQueryRow.
func (s *Store) TimedQuery(ctx context.Context, operation, sql string, args ...interface{}) (pgx.Rows, error) {
	start := time.Now()
	rows, err := s.ReadPool.Query(ctx, sql, args...)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, "read").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "read").Inc()
	return rows, err
}

// TimedExec runs a write statement against WritePool with the same metric
// bookkeeping, labeled role "write".
func (s *Store) TimedExec(ctx context.Context, operation, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := s.WritePool.Exec(ctx, sql, args...)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryDuration.WithLabelValues(operation, "write").Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "write").Inc()
	return tag, err
}

// WithWriteRetry runs fn under the write busy-retry policy (§5): transient
// lock contention or serialization failures are retried with backoff before
// being surfaced to the caller.
func (s *Store) WithWriteRetry(ctx context.Context, fn func() error) error {
	return retry.WithRetry(ctx, fn, resilient.WriteRetryConfig)
}
