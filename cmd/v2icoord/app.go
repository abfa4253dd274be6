package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/component"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/v2icoord/config"
	"github.com/c360studio/v2icoord/engine"
	"github.com/c360studio/v2icoord/natsutil"
	dashboardfeed "github.com/c360studio/v2icoord/processor/dashboard-feed"
	v2igateway "github.com/c360studio/v2icoord/processor/v2i-gateway"
	"github.com/c360studio/v2icoord/resolver"
	"github.com/c360studio/v2icoord/storage"
	"github.com/c360studio/v2icoord/transport"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	conn *natsutil.Conn

	// Storage
	store *storage.Store

	engine  *engine.Engine
	gateway component.LifecycleComponent
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// engineConfig maps the file configuration onto the engine's.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Registry:     cfg.Registry,
		LogCapacity:  cfg.Engine.LogCapacity,
		GrantHistory: cfg.Engine.GrantHistory,
		AlertHistory: cfg.Engine.AlertHistory,
		Seed:         cfg.Engine.Seed,
	}
}

// Start connects to NATS, restores archived state and starts the gateway.
func (a *App) Start(ctx context.Context) error {
	conn, err := natsutil.Connect(ctx, natsutil.Options{
		URL:      a.cfg.NATS.URL,
		Embedded: a.cfg.NATS.Embedded,
		StoreDir: a.cfg.NATS.StoreDir,
		Name:     appName,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	a.conn = conn

	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithTransport(transport.NewBreaker(transport.NewNATSAlerts(conn.Client), transport.BreakerConfig{
			FailureThreshold: a.cfg.Delivery.FailureThreshold,
			RecoveryTimeout:  a.cfg.Delivery.RecoveryTimeout,
		})),
		engine.WithRoutes(&resolver.GridRouteResolver{
			CellDegrees:      a.cfg.Routing.CellDegrees,
			MaxIntersections: a.cfg.Routing.MaxIntersections,
		}),
	}

	if a.cfg.NATS.Archive {
		store, err := storage.NewStore(ctx, conn.JS)
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		a.store = store
		opts = append(opts, engine.WithArchive(store))
	}

	a.engine = engine.New(engineConfig(a.cfg), opts...)

	if a.store != nil {
		if _, err := a.engine.Restore(ctx, a.store); err != nil {
			a.logger.Warn("Archive restore failed, starting empty", "error", err)
		}
	}

	componentRegistry := component.NewRegistry()
	if err := v2igateway.Register(componentRegistry, a.engine); err != nil {
		return fmt.Errorf("register v2i-gateway: %w", err)
	}
	factories := componentRegistry.ListFactories()
	a.logger.Debug("Component factories registered", "count", len(factories))

	rawConfig, err := json.Marshal(v2igateway.Config{SubjectPrefix: a.cfg.NATS.SubjectPrefix})
	if err != nil {
		return fmt.Errorf("marshal gateway config: %w", err)
	}
	created, err := v2igateway.Factory(a.engine)(rawConfig, component.Dependencies{
		NATSClient: conn.Client,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	gw, ok := created.(component.LifecycleComponent)
	if !ok {
		return fmt.Errorf("create gateway: %T is not a lifecycle component", created)
	}
	if err := gw.Initialize(); err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	a.gateway = gw

	a.logger.Info("v2icoord ready",
		"version", Version,
		"embedded_nats", conn.Embedded(),
		"archive", a.store != nil)
	return nil
}

// Run serves metrics, the dashboard and the optional config watcher until
// ctx is done or one of them fails.
func (a *App) Run(ctx context.Context, watcher *config.Watcher) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, addr, metricsMux(a.engine), a.logger)
		})
	}

	if a.cfg.Dashboard.Addr != "" {
		dcfg := dashboardfeed.DefaultConfig()
		dcfg.Addr = a.cfg.Dashboard.Addr
		dcfg.MaxConnections = a.cfg.Dashboard.MaxConnections
		dcfg.SnapshotEntries = a.cfg.Dashboard.SnapshotEntries
		dash, err := dashboardfeed.NewServer(dcfg, a.engine, a.logger)
		if err != nil {
			return fmt.Errorf("create dashboard: %w", err)
		}
		g.Go(func() error { return dash.ListenAndServe(gctx) })
	}

	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func metricsMux(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", eng.Metrics().Handler())
	return mux
}

func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("Metrics listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	if a.gateway != nil {
		if err := a.gateway.Stop(timeout); err != nil {
			a.logger.Error("Error stopping gateway", "error", err)
		}
	}

	if a.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		a.conn.Close(ctx)
	}

	a.logger.Info("v2icoord shutdown complete")
}
