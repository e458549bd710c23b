// Package storage is the PostgreSQL adapter for the screener's rolling
// time-series history and the live order-density table.
//
// Schema (DDL is applied externally, see configs/schema.sql):
//
//	prices, volumes, trade_counts, open_interest  (ts, symbol, value)  PK (ts, symbol)
//	funding   (ts, symbol, rate, next_settlement)                      PK (ts, symbol)
//	order_densities (symbol, price, side, current_size_usd, max_size_usd,
//	                 touched, reduction_usd, percent_from_market,
//	                 first_seen, last_updated)                         PK (symbol, price)
//
// Retention (24 h series, 48 h funding) is enforced by an external job;
// this adapter never deletes time-series rows.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"futures-screener/internal/config"
	"futures-screener/pkg/types"
)

// upsertChunk bounds the number of rows per multi-row INSERT so the
// parameter count stays far below the postgres wire limit.
const upsertChunk = 500

// Store wraps a sqlx connection pool. All queries run under a command
// timeout derived from the caller's context.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection with a ping.
// A failure here is a bootstrap error; callers are expected to exit.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{
		db:      db,
		timeout: cfg.QueryTimeout,
		logger:  logger.With("component", "storage"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the pool is still healthy.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// table maps a metric family to its table name. The value column is
// named "value" in every family table.
func table(family types.Family) (string, error) {
	switch family {
	case types.FamilyPrice:
		return "prices", nil
	case types.FamilyVolume:
		return "volumes", nil
	case types.FamilyTradeCount:
		return "trade_counts", nil
	case types.FamilyOpenInterest:
		return "open_interest", nil
	default:
		return "", fmt.Errorf("unknown series family %q", family)
	}
}

// isRetryable reports whether err is a deadlock or serialization failure
// worth one immediate retry.
func isRetryable(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "40P01" || pqErr.Code == "40001"
	}
	return false
}

// execRetry runs fn once, and once more if the first attempt failed with
// a retryable postgres error. The dropped-batch policy lives with the
// caller: a second failure is returned as-is.
func (s *Store) execRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil || !isRetryable(err) {
		return err
	}
	s.logger.Warn("retrying after transient postgres error", "op", op, "error", err)
	return fn(ctx)
}
