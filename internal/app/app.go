// Package app wires the mcpgate subsystems into a running process.
//
// The App struct owns the full lifecycle: New connects the bus and builds
// the surfaces the configured mode needs, Run serves until the context is
// cancelled, and Shutdown tears everything down in reverse-init order.
//
// For testing, inject an in-memory bus via WithBus; New then skips the NATS
// connection.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgewire/mcpgate/internal/bus"
	"github.com/edgewire/mcpgate/internal/bus/natsbus"
	"github.com/edgewire/mcpgate/internal/config"
	"github.com/edgewire/mcpgate/internal/dispatch"
	"github.com/edgewire/mcpgate/internal/health"
	"github.com/edgewire/mcpgate/internal/heartbeat"
	"github.com/edgewire/mcpgate/internal/identity"
	"github.com/edgewire/mcpgate/internal/observe"
	"github.com/edgewire/mcpgate/internal/reconcile"
	"github.com/edgewire/mcpgate/internal/session"
)

// App owns all subsystem lifetimes for one mcpgate process.
type App struct {
	cfg     *config.Config
	version string

	bus        bus.Client
	identity   *identity.Manager
	beacon     *heartbeat.Beacon
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	sessions   *session.Manager
	stdio      *session.Stdio
	mux        *http.ServeMux
	metrics    *observe.Metrics

	// closers run in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBus injects a bus client instead of connecting to NATS.
func WithBus(c bus.Client) Option {
	return func(a *App) { a.bus = c }
}

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires the subsystems the configured mode needs. The runtime handshake
// of edge mode happens here; consumer-session handshakes happen per
// connection.
func New(ctx context.Context, cfg *config.Config, version string, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, version: version}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.bus == nil {
		nc, err := natsbus.Connect(ctx, natsbus.Config{
			URL:    cfg.BusURL,
			Bucket: cfg.BusBucket,
			Name:   "mcpgate-" + string(cfg.Mode),
		})
		if err != nil {
			return nil, fmt.Errorf("app: connect bus: %w", err)
		}
		a.bus = nc
		a.closers = append(a.closers, func(context.Context) error { return nc.Close() })
	}

	creds := identity.FromConfig(cfg.Credentials)
	a.identity = identity.NewManager(a.bus, creds, cfg.WorkspaceID, version)

	switch cfg.Mode {
	case config.ModeEdge:
		if err := a.initEdge(ctx); err != nil {
			return nil, err
		}
	case config.ModeStdio:
		if err := a.initStdio(ctx); err != nil {
			return nil, err
		}
	case config.ModeStandalone:
		slog.Warn("standalone mode: authentication is not enforced")
		a.initConsumerHTTP(false)
	default:
		return nil, fmt.Errorf("app: mode %q is not runnable", cfg.Mode)
	}

	return a, nil
}

// initEdge performs the runtime handshake and builds the provider plane plus
// the authenticated HTTP consumer surface.
func (a *App) initEdge(ctx context.Context) error {
	creds := a.identity.Credentials()
	if creds.RuntimeKey == "" {
		return fmt.Errorf("app: edge mode requires a runtime key")
	}

	ident, err := a.identity.Handshake(ctx, creds.RuntimeKey, identity.NatureRuntime, creds.RuntimeName)
	if err != nil {
		return fmt.Errorf("app: runtime handshake: %w", err)
	}
	slog.Info("runtime identity assigned", "id", ident.ID, "workspace", ident.WorkspaceID)

	a.beacon = heartbeat.New(a.bus, ident.ID, a.cfg.HeartbeatInterval,
		heartbeat.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.beacon.Stop)

	a.initProviderPlane()
	a.initConsumerHTTP(true)
	return nil
}

// initStdio builds the single-consumer stdio surface. When a runtime key is
// configured the provider plane runs in the same process and receives the
// client roots.
func (a *App) initStdio(ctx context.Context) error {
	creds := a.identity.Credentials()

	var roots session.RootsSink
	if creds.RuntimeKey != "" {
		ident, err := a.identity.Handshake(ctx, creds.RuntimeKey, identity.NatureRuntime, creds.RuntimeName)
		if err != nil {
			return fmt.Errorf("app: runtime handshake: %w", err)
		}
		a.beacon = heartbeat.New(a.bus, ident.ID, a.cfg.HeartbeatInterval,
			heartbeat.WithMetrics(a.metrics))
		a.closers = append(a.closers, a.beacon.Stop)
		a.initProviderPlane()
		roots = a.reconciler
	}

	a.sessions = session.NewManager(a.bus, a.cfg.WorkspaceID, a.cfg.CallToolTimeout, true, a.metrics)
	a.closers = append(a.closers, func(context.Context) error { return a.sessions.CloseAll() })

	a.stdio = session.NewStdio(a.sessions, session.AuthInput{
		MasterKey:   creds.MasterKey,
		ToolsetKey:  creds.ToolsetKey,
		ToolsetName: creds.ToolsetName,
		SkillKey:    creds.SkillKey,
	}, roots, os.Stdin, os.Stdout)
	return nil
}

func (a *App) initProviderPlane() {
	a.dispatcher = dispatch.New(a.bus, a.identity, a.cfg.CallToolTimeout,
		dispatch.WithMetrics(a.metrics))
	a.closers = append(a.closers, func(context.Context) error { return a.dispatcher.Close() })

	a.reconciler = reconcile.New(a.bus, a.identity, a.dispatcher, a.cfg.CallToolTimeout, a.version,
		reconcile.WithMetrics(a.metrics))
	a.closers = append(a.closers, a.reconciler.Stop)
}

// initConsumerHTTP builds the HTTP mux: transports, health probes, and the
// Prometheus scrape endpoint.
func (a *App) initConsumerHTTP(enforceAuth bool) {
	a.sessions = session.NewManager(a.bus, a.cfg.WorkspaceID, a.cfg.CallToolTimeout, enforceAuth, a.metrics)
	a.closers = append(a.closers, func(context.Context) error { return a.sessions.CloseAll() })

	host := session.NewHost(a.sessions, session.HostConfig{
		PreventDNSRebinding:  a.cfg.PreventDNSRebinding,
		AllowedOrigins:       a.cfg.AllowedOrigins,
		ValidateAcceptHeader: a.cfg.ValidateAcceptHeader,
	})

	a.mux = http.NewServeMux()
	host.Register(a.mux)

	var checks []health.Checker
	if enforceAuth && a.cfg.Mode == config.ModeEdge {
		checks = append(checks, health.Auth(a.identity))
	}
	health.New(checks...).Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())
}

// Run serves until ctx is cancelled. In stdio mode it returns when stdin
// closes.
func (a *App) Run(ctx context.Context) error {
	if a.beacon != nil {
		a.beacon.Start(ctx)
	}
	if a.reconciler != nil {
		if err := a.reconciler.Start(ctx); err != nil {
			return fmt.Errorf("app: start reconciler: %w", err)
		}
	}

	if a.stdio != nil {
		return a.stdio.Run(ctx)
	}

	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.RemotePort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr, "mode", a.cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return ctx.Err()
}

// Handler exposes the HTTP mux, mainly for tests. Nil in stdio mode.
func (a *App) Handler() http.Handler {
	if a.mux == nil {
		return nil
	}
	return a.mux
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: when ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
