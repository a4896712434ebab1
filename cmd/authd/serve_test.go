// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/memory"
	"github.com/holomush/authd/internal/config"
	"github.com/holomush/authd/internal/observability"
	"github.com/holomush/authd/pkg/errutil"
)

type fakeServer struct {
	addr     string
	startErr error
	errCh    chan error
	started  atomic.Bool
	stopped  atomic.Bool
	metrics  *observability.Metrics
	handler  http.Handler
}

func newFakeServer(addr string) *fakeServer {
	return &fakeServer{
		addr:    addr,
		errCh:   make(chan error, 1),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
}

func (s *fakeServer) Start() (<-chan error, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started.Store(true)
	return s.errCh, nil
}

func (s *fakeServer) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func (s *fakeServer) Addr() string                     { return s.addr }
func (s *fakeServer) Metrics() *observability.Metrics { return s.metrics }

type serveFixture struct {
	deps    *Deps
	api     *fakeServer
	obs     *fakeServer
	users   *memory.UserRepository
	closed  atomic.Bool
	readyFn observability.ReadinessChecker
}

func newServeFixture() *serveFixture {
	f := &serveFixture{
		api:   newFakeServer("127.0.0.1:18080"),
		obs:   newFakeServer("127.0.0.1:19100"),
		users: memory.NewUserRepository(),
	}
	f.deps = &Deps{
		BackendOpener: func(context.Context, config.StoreConfig, *slog.Logger) (*Backend, error) {
			return &Backend{
				Users: f.users,
				Ready: func(context.Context) error { return nil },
				Close: func() { f.closed.Store(true) },
			}, nil
		},
		ObservabilityServerFactory: func(_ string, ready observability.ReadinessChecker, _ *slog.Logger) ObservabilityServer {
			f.readyFn = ready
			return f.obs
		},
		APIServerFactory: func(_ string, handler http.Handler, _ *slog.Logger) Server {
			f.api.handler = handler
			return f.api
		},
	}
	return f
}

func serveConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.JWT.SigningKey = strings.Repeat("k", auth.RecommendedSigningKeyBytes)
	return &cfg
}

func quietCmd() (*cobra.Command, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	cmd := &cobra.Command{}
	cmd.SetErr(buf)
	cmd.SetOut(io.Discard)
	return cmd, buf
}

func TestRunServe_StartsAndStopsServers(t *testing.T) {
	f := newServeFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, _ := quietCmd()
	require.NoError(t, runServe(ctx, cmd, serveConfig(), false, f.deps))

	assert.True(t, f.api.started.Load())
	assert.True(t, f.api.stopped.Load())
	assert.True(t, f.obs.started.Load())
	assert.True(t, f.obs.stopped.Load())
	assert.True(t, f.closed.Load())
	require.NotNil(t, f.readyFn)
	assert.NoError(t, f.readyFn(context.Background()))
	assert.NotNil(t, f.api.handler)
}

func TestRunServe_MetricsDisabled(t *testing.T) {
	f := newServeFixture()
	cfg := serveConfig()
	cfg.Metrics.Addr = ""
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, _ := quietCmd()
	require.NoError(t, runServe(ctx, cmd, cfg, false, f.deps))
	assert.False(t, f.obs.started.Load())
	assert.True(t, f.api.started.Load())
}

func TestRunServe_InvalidConfig(t *testing.T) {
	f := newServeFixture()
	cfg := serveConfig()
	cfg.JWT.SigningKey = ""

	cmd, _ := quietCmd()
	err := runServe(context.Background(), cmd, cfg, false, f.deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	assert.False(t, f.api.started.Load())
}

func TestRunServe_WarnsOnWeakSigningKey(t *testing.T) {
	f := newServeFixture()
	cfg := serveConfig()
	cfg.JWT.SigningKey = "short-but-not-empty"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, logs := quietCmd()
	require.NoError(t, runServe(ctx, cmd, cfg, false, f.deps))
	assert.Contains(t, logs.String(), "jwt signing key is shorter than recommended")
	assert.NotContains(t, logs.String(), "short-but-not-empty")
}

func TestRunServe_BackendFailure(t *testing.T) {
	f := newServeFixture()
	f.deps.BackendOpener = func(context.Context, config.StoreConfig, *slog.Logger) (*Backend, error) {
		return nil, errors.New("connection refused")
	}

	cmd, _ := quietCmd()
	err := runServe(context.Background(), cmd, serveConfig(), false, f.deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "STORE_OPEN_FAILED")
}

func TestRunServe_APIStartFailure(t *testing.T) {
	f := newServeFixture()
	f.api.startErr = errors.New("address in use")

	cmd, _ := quietCmd()
	err := runServe(context.Background(), cmd, serveConfig(), false, f.deps)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "API_START_FAILED")
	assert.True(t, f.obs.stopped.Load())
	assert.True(t, f.closed.Load())
}

func TestRunServe_ServerErrorStopsProcess(t *testing.T) {
	f := newServeFixture()
	f.api.errCh <- errors.New("listener closed unexpectedly")

	cmd, _ := quietCmd()
	done := make(chan error, 1)
	go func() { done <- runServe(context.Background(), cmd, serveConfig(), false, f.deps) }()

	select {
	case err := <-done:
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SERVER_FAILED")
		assert.True(t, f.api.stopped.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after a server error")
	}
}

func TestRunServe_AutoMigrate(t *testing.T) {
	f := newServeFixture()
	m := &fakeMigrator{}
	f.deps.MigratorFactory = func(string) (Migrator, error) { return m, nil }
	cfg := serveConfig()
	cfg.Store.Driver = config.DriverPostgres
	cfg.Store.DatabaseURL = testDatabaseURL
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, _ := quietCmd()
	require.NoError(t, runServe(ctx, cmd, cfg, true, f.deps))
	assert.Equal(t, []string{"up"}, m.calls)
	assert.True(t, m.closed)
}

func TestRunServe_RealServers(t *testing.T) {
	cfg := serveConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, _ := quietCmd()
	require.NoError(t, runServe(ctx, cmd, cfg, false, nil))
}

func TestBuildAuthService_Throttle(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	users := memory.NewUserRepository()

	cfg := serveConfig()
	_, throttle, err := buildAuthService(cfg, users, metrics, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, throttle)

	cfg.Login.Threshold = 0
	_, throttle, err = buildAuthService(cfg, users, metrics, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, throttle)
}

func TestOpenBackend(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		b, err := openBackend(context.Background(), config.StoreConfig{Driver: config.DriverMemory}, nil)
		require.NoError(t, err)
		defer b.Close()
		assert.Nil(t, b.Ready)
		assert.NotNil(t, b.Users)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := openBackend(context.Background(), config.StoreConfig{Driver: "sqlite"}, nil)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	})

	t.Run("invalid postgres url", func(t *testing.T) {
		_, err := openBackend(context.Background(), config.StoreConfig{Driver: config.DriverPostgres, DatabaseURL: "postgres://%zz"}, nil)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "DB_CONFIG_INVALID")
	})
}
