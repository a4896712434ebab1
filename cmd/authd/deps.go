// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/memory"
	"github.com/holomush/authd/internal/auth/postgres"
	"github.com/holomush/authd/internal/config"
	"github.com/holomush/authd/internal/httpapi"
	"github.com/holomush/authd/internal/observability"
	"github.com/holomush/authd/internal/store"
)

// Backend is an opened user store.
type Backend struct {
	Users auth.UserRepository
	// Ready reports whether the store can serve requests. Nil means always.
	Ready observability.ReadinessChecker
	// Close releases the store. It is never nil.
	Close func()
}

// Server is the lifecycle shared by the API and observability servers.
type Server interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// Deps contains injectable dependencies for the commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// BackendOpener opens the configured user store.
	// Default: openBackend
	BackendOpener func(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Backend, error)

	// ObservabilityServerFactory creates the metrics and health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer

	// APIServerFactory creates the API server.
	// Default: httpapi.NewServer
	APIServerFactory func(addr string, handler http.Handler, logger *slog.Logger) Server

	// MigratorFactory connects a migrator to a database URL.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// ObservabilityServer is a Server that also exposes its collectors.
type ObservabilityServer interface {
	Server
	Metrics() *observability.Metrics
}

// Migrator is the part of *store.Migrator the migrate command drives.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (store.Status, error)
	Close() error
}

func (d *Deps) withDefaults() *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.BackendOpener == nil {
		out.BackendOpener = openBackend
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, logger *slog.Logger) ObservabilityServer {
			return observability.NewServer(addr, ready, logger)
		}
	}
	if out.APIServerFactory == nil {
		out.APIServerFactory = func(addr string, handler http.Handler, logger *slog.Logger) Server {
			return httpapi.NewServer(addr, handler, logger)
		}
	}
	if out.MigratorFactory == nil {
		out.MigratorFactory = func(databaseURL string) (Migrator, error) {
			return store.NewMigrator(databaseURL)
		}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

// openBackend opens the store named by cfg.Driver.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &Backend{
			Users: memory.NewUserRepository(),
			Close: func() {},
		}, nil
	case config.DriverPostgres:
		pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.ConnectRetries, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Users: postgres.NewUserRepository(pool),
			Ready: pool.Ping,
			Close: pool.Close,
		}, nil
	default:
		return nil, oops.Code("CONFIG_INVALID").With("field", "store.driver").Errorf("unknown store driver %q", cfg.Driver)
	}
}
