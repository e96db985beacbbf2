// Package postgres is the PostgreSQL storage engine, built on a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
)

const EngineName = "postgresql"

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
	defaultConnectTimeout  = 30 * time.Second
)

type Config struct {
	// URL is a postgres:// connection string. When empty it is built from
	// the remaining fields.
	URL      string
	Host     string
	Port     int
	Database string
	Username string
	Password string

	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.URL == "" {
		if cfg.Host == "" {
			return errors.New("host is required")
		}
		if cfg.Database == "" {
			return errors.New("database is required")
		}
		if cfg.Username == "" {
			return errors.New("username is required")
		}
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		cfg.URL = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = defaultMinConns
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

type Dialect struct{}

func (Dialect) Name() string { return EngineName }

func (Dialect) ColumnType(k schema.Kind) (string, error) {
	switch k {
	case schema.KindInt:
		return "BIGINT", nil
	case schema.KindFloat:
		return "DOUBLE PRECISION", nil
	case schema.KindString:
		return "TEXT", nil
	case schema.KindBool:
		return "BOOLEAN", nil
	case schema.KindTimestamp:
		return "TIMESTAMPTZ", nil
	case schema.KindJSON:
		return "JSONB", nil
	}
	return "", fmt.Errorf("postgres: unsupported column kind %s", k)
}

type Engine struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// New connects a pool and pings it, retrying with backoff until the server
// answers or cfg.ConnectTimeout elapses.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdleTime

	log.Info("postgres: connecting", "host", poolConfig.ConnConfig.Host, "port", poolConfig.ConnConfig.Port, "database", poolConfig.ConnConfig.Database, "user", poolConfig.ConnConfig.User)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Debug("postgres: not ready, retrying ping", "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.ConnectTimeout))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres after %d attempts: %w", attempt, err)
	}

	log.Info("postgres: connected")
	return &Engine{log: log, pool: pool}, nil
}

func (e *Engine) Name() string { return EngineName }

func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}

func (e *Engine) Begin(ctx context.Context) (*storage.Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return storage.NewTx(&conn{tx: tx}, Dialect{}), nil
}

type conn struct {
	tx pgx.Tx
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (c *conn) Query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := c.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (c *conn) Commit(ctx context.Context) error {
	return classify(c.tx.Commit(ctx))
}

func (c *conn) Rollback(ctx context.Context) error {
	err := c.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return storage.ErrTxDone
	}
	return classify(err)
}

const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateSerializationFailure, sqlstateDeadlockDetected:
			return storage.WithClass(storage.ClassConflict, err)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return storage.WithClass(storage.ClassOperational, err)
	}
	return err
}
