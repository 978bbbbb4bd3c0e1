package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Erio-Harrison/defi-tools/internal/storage"
)

// Pool is the pgx pool shared by the account store and the migrations.
type Pool struct {
	*pgxpool.Pool
}

// PoolConfig sizes the pool. Zero values keep the pgx defaults.
type PoolConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

// NewPool connects and pings the server before returning.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 && cfg.MinConns <= pc.MaxConns {
		pc.MinConns = cfg.MinConns
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// translate maps driver errors onto the storage sentinels. A foreign key
// violation means the owning profile is gone. Anything else is returned as is.
func translate(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return storage.ErrDuplicateKey
		case codeForeignKeyViolation:
			return storage.ErrNotFound
		}
	}
	return err
}

// wrap translates err, adding op context only to unexpected failures.
func wrap(op string, err error) error {
	t := translate(err)
	if errors.Is(t, storage.ErrNotFound) || errors.Is(t, storage.ErrDuplicateKey) {
		return t
	}
	return fmt.Errorf("%s: %w", op, err)
}
