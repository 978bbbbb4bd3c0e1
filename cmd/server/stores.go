package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/config"
	"github.com/Erio-Harrison/defi-tools/internal/storage"
	chstore "github.com/Erio-Harrison/defi-tools/internal/storage/clickhouse"
	"github.com/Erio-Harrison/defi-tools/internal/storage/memory"
	"github.com/Erio-Harrison/defi-tools/internal/storage/migrations"
	pgstore "github.com/Erio-Harrison/defi-tools/internal/storage/postgres"
	redisstore "github.com/Erio-Harrison/defi-tools/internal/storage/redis"
)

// stores holds the selected backends and closes their connections.
type stores struct {
	Accounts storage.AccountStore
	Activity storage.ActivityStore // nil when the journal is disabled

	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (*stores, error) {
	s := &stores{}
	if err := s.openAccounts(ctx, cfg, log); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openActivity(ctx, cfg, log); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stores) openAccounts(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	switch cfg.Storage.Accounts {
	case config.BackendMemory:
		s.Accounts = memory.NewAccountStore()

	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MinConns:       cfg.Postgres.MinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := migrations.RunPostgresMigrations(ctx, pool, log.Named("migrations")); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		s.Accounts = pgstore.NewAccountStore(pool)

	case config.BackendRedis:
		client, err := redisstore.NewClient(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.Accounts = redisstore.NewAccountStore(client, cfg.Redis.Prefix)

	default:
		return fmt.Errorf("unknown accounts backend %q", cfg.Storage.Accounts)
	}
	log.Info("accounts store ready", zap.String("backend", cfg.Storage.Accounts))
	return nil
}

func (s *stores) openActivity(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	switch cfg.Storage.Activity {
	case config.BackendNone:
		return nil

	case config.BackendMemory:
		s.Activity = memory.NewActivityStore()

	case config.BackendClickhouse:
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Clickhouse.DSN, log.Named("migrations"))
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		s.closers = append(s.closers, func() { _ = conn.Close() })
		s.Activity = chstore.NewActivityStore(conn)

	default:
		return fmt.Errorf("unknown activity backend %q", cfg.Storage.Activity)
	}
	log.Info("activity store ready", zap.String("backend", cfg.Storage.Activity))
	return nil
}
