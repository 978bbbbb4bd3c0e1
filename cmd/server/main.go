// Package main runs the ledger service: the HTTP API, the activity journal
// and the auto-rebalance keeper.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/adapter"
	"github.com/Erio-Harrison/defi-tools/internal/clock"
	"github.com/Erio-Harrison/defi-tools/internal/config"
	"github.com/Erio-Harrison/defi-tools/internal/httpapi"
	"github.com/Erio-Harrison/defi-tools/internal/identity"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
	"github.com/Erio-Harrison/defi-tools/internal/logger"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/scheduler"
	"github.com/Erio-Harrison/defi-tools/internal/solana"
)

var version = "dev"

func main() {
	os.Exit(start())
}

// start runs the server and returns the exit code once its deferred
// cleanup has run.
func start() int {
	configPath := flag.String("config", os.Getenv("DEFI_CONFIG"), "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server failed", zap.Error(err))
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	stores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()

	clk, err := newClock(cfg)
	if err != nil {
		return err
	}

	opts := []lifecycle.Option{
		lifecycle.WithAdapter(adapter.Logging{Log: log.Named("adapter")}),
		lifecycle.WithProgramID(cfg.Ledger.ProgramID),
		lifecycle.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		lifecycle.WithLogger(log.Named("ledger")),
	}
	if stores.Activity != nil {
		opts = append(opts, lifecycle.WithActivityStore(stores.Activity))
	}
	svc := lifecycle.New(stores.Accounts, clk, opts...)

	secret, err := jwtSecret(cfg, log)
	if err != nil {
		return err
	}
	issuer := identity.NewIssuer(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	var keeper *scheduler.Keeper
	if cfg.Scheduler.Enabled {
		keeper = scheduler.NewKeeper(stores.Accounts, svc, clk, cfg.Scheduler.Spec, log.Named("keeper"))
		if err := keeper.Start(ctx); err != nil {
			return fmt.Errorf("start keeper: %w", err)
		}
		defer keeper.Stop()
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	observability.SetBuildInfo(version)
	deps := httpapi.Deps{Service: svc, Issuer: issuer, Log: log.Named("http"), Version: version}
	if keeper != nil {
		deps.Keeper = keeper
	}

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      httpapi.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening",
			zap.String("addr", cfg.Server.HTTPAddr),
			zap.String("accounts", cfg.Storage.Accounts),
			zap.String("activity", cfg.Storage.Activity),
			zap.String("clock", cfg.Clock.Source))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func newClock(cfg config.Config) (clock.Clock, error) {
	switch cfg.Clock.Source {
	case config.ClockChain:
		rpc := solana.NewHTTPClient(cfg.Solana.RPCURL,
			solana.WithTimeout(cfg.Solana.Timeout),
			solana.WithCommitment(cfg.Solana.Commitment))
		return clock.NewChain(rpc), nil
	case config.ClockSystem:
		return clock.NewSystem(), nil
	}
	return nil, fmt.Errorf("unknown clock source %q", cfg.Clock.Source)
}

// jwtSecret returns the configured secret. Outside production an empty secret
// is replaced by a random one, so tokens do not survive a restart.
func jwtSecret(cfg config.Config, log *zap.Logger) ([]byte, error) {
	if cfg.Auth.JWTSecret != "" {
		return []byte(cfg.Auth.JWTSecret), nil
	}
	if strings.EqualFold(cfg.App.Env, "prod") {
		return nil, errors.New("auth.jwt_secret is required in prod")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	log.Warn("auth.jwt_secret not set, using an ephemeral secret")
	return secret, nil
}
