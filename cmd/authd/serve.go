// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/config"
	"github.com/holomush/authd/internal/httpapi"
	"github.com/holomush/authd/internal/observability"
	"github.com/holomush/authd/pkg/errutil"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = time.Hour
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd(deps *Deps) *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authentication API",
		Long: `Run the HTTP API for registration, login and token refresh,
plus the metrics and health endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, cfg, autoMigrate, deps)
		},
	}

	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "apply pending migrations before serving (postgres only)")
	return cmd
}

// runServe runs until ctx is cancelled or a server fails.
func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config, autoMigrate bool, deps *Deps) error {
	deps = deps.withDefaults()

	if err := cfg.Validate(); err != nil {
		return err //nolint:wrapcheck // already coded
	}
	logger := newLogger(cmd, cfg)

	if cfg.JWT.WeakSigningKey() {
		logger.Warn("jwt signing key is shorter than recommended",
			"min_bytes", auth.RecommendedSigningKeyBytes)
	}

	if autoMigrate && cfg.Store.Driver == config.DriverPostgres {
		if err := migrateUp(cfg.Store.DatabaseURL, deps); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	backend, err := deps.BackendOpener(ctx, cfg.Store, logger)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("driver", cfg.Store.Driver).Wrap(err)
	}
	defer backend.Close()
	logger.Info("user store ready", "driver", cfg.Store.Driver)

	var (
		obsServer ObservabilityServer
		metrics   *observability.Metrics
	)
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, backend.Ready, logger)
		metrics = obsServer.Metrics()
	} else {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	svc, throttle, err := buildAuthService(cfg, backend.Users, metrics, logger)
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(svc,
		httpapi.WithLogger(logger),
		httpapi.WithObserver(metrics))
	apiServer := deps.APIServerFactory(cfg.HTTP.Addr, handler, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	failures := make(chan error, 2)

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Metrics.Addr).Wrap(err)
		}
		defer stopServer(obsServer, "observability", logger)
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability", failures, logger)
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	apiErrCh, err := apiServer.Start()
	if err != nil {
		return oops.Code("API_START_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}
	defer stopServer(apiServer, "api", logger)
	go monitorServerErrors(ctx, cancel, apiErrCh, "api", failures, logger)
	logger.Info("api server started", "addr", apiServer.Addr())

	go runPruner(ctx, backend.Users, throttle, deps.Now, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	select {
	case err := <-failures:
		return oops.Code("SERVER_FAILED").Wrap(err)
	default:
		return nil
	}
}

// buildAuthService assembles the hasher, token components and service.
func buildAuthService(cfg *config.Config, users auth.UserRepository, metrics *observability.Metrics, logger *slog.Logger) (*auth.Service, *auth.LoginThrottle, error) {
	hasher, err := auth.NewArgon2idHasherWithParams(cfg.Hasher)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // already coded
	}
	issuer, err := auth.NewTokenIssuer(cfg.JWT)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // already coded
	}
	refresh, err := auth.NewRefreshTokenManager(users, issuer, auth.WithRefreshTTL(cfg.JWT.RefreshTokenTTL))
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // already coded
	}

	opts := []auth.ServiceOption{
		auth.WithLogger(logger),
		auth.WithMetrics(metrics),
	}
	var throttle *auth.LoginThrottle
	if cfg.Login.Enabled() {
		throttle = auth.NewLoginThrottle(cfg.Login, nil)
		opts = append(opts, auth.WithLoginThrottle(throttle))
	}

	svc, err := auth.NewAuthService(users, metrics.InstrumentHasher(hasher), issuer, refresh, opts...)
	if err != nil {
		return nil, nil, oops.Code("INTERNAL").Wrap(err)
	}
	return svc, throttle, nil
}

// runPruner periodically empties expired refresh slots and forgets stale
// login failures.
func runPruner(ctx context.Context, users auth.UserRepository, throttle *auth.LoginThrottle, now func() time.Time, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleared, err := users.ClearExpiredRefreshTokens(ctx, now())
			if err != nil {
				errutil.LogErrorContext(ctx, logger, "refresh token pruning failed", err)
			} else if cleared > 0 {
				logger.InfoContext(ctx, "expired refresh tokens cleared", "count", cleared)
			}
			if throttle != nil {
				throttle.Prune()
			}
		}
	}
}

// monitorServerErrors reports the first error from errCh on failures and
// cancels ctx.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string, failures chan<- error, logger *slog.Logger) {
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			errutil.LogError(logger, name+" server error", err)
			failures <- oops.With("server", name).Wrap(err)
			cancel()
		}
	}
}

func stopServer(s Server, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		errutil.LogError(logger, name+" server shutdown failed", err)
	}
}
