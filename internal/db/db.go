package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/spot-exchange/internal/models"
	"github.com/xtrntr/spot-exchange/internal/store"
	"go.uber.org/zap"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool     *pgxpool.Pool
	isoLevel pgx.TxIsoLevel
}

var _ store.Store = (*DB)(nil)

// Config holds the connection settings
type Config struct {
	URL            string
	MaxConns       int32
	Isolation      string
	ConnectTimeout time.Duration
}

// New wraps an existing pool
func New(pool *pgxpool.Pool, iso pgx.TxIsoLevel) *DB {
	if iso == "" {
		iso = pgx.Serializable
	}
	return &DB{Pool: pool, isoLevel: iso}
}

// Connect opens a pool and waits for the server to answer, retrying with
// exponential backoff until ConnectTimeout elapses.
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	iso, err := ParseIsolation(cfg.Isolation)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	boff := backoff.NewExponentialBackOff()
	if cfg.ConnectTimeout > 0 {
		boff.MaxElapsedTime = cfg.ConnectTimeout
	}
	var pool *pgxpool.Pool
	err = backoff.Retry(func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create connection pool: %w", err))
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			log.Warn("postgres not ready", zap.Error(err))
			return err
		}
		pool = p
		return nil
	}, backoff.WithContext(boff, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(pool, iso), nil
}

// ParseIsolation maps a config value to a pgx isolation level. Empty means
// serializable.
func ParseIsolation(s string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", " ")) {
	case "", "serializable":
		return pgx.Serializable, nil
	case "repeatable read":
		return pgx.RepeatableRead, nil
	case "read committed":
		return pgx.ReadCommitted, nil
	}
	return "", fmt.Errorf("unknown isolation level %q", s)
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// WithTx runs fn in one transaction at the configured isolation level.
// Serialization failures and deadlocks come back as store.ErrConflict.
func (db *DB) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: db.isoLevel})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify maps PostgreSQL error codes onto the store and model sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %w", store.ErrConflict, err)
	case "23505":
		return fmt.Errorf("%w: %w", models.ErrAlreadyExists, err)
	case "23503":
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	case "23514":
		return fmt.Errorf("%w: %w", models.ErrInvalidAmount, err)
	}
	return err
}
