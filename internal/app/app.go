package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iofold/iofold-jobs/internal/data/db"
	apphttp "github.com/iofold/iofold-jobs/internal/http"
	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/platform/shutdown"
	"github.com/iofold/iofold-jobs/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *db.Service
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	Hub      *realtime.SSEHub
	Metrics  *observability.Metrics
	Server   *apphttp.Server

	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
	wg           sync.WaitGroup
}

// option adjusts the wired clients before services are built on them.
type option func(*Clients)

func New(cfg Config) (*App, error) {
	return newApp(cfg)
}

func newApp(cfg Config, opts ...option) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cfg.LogSummary(log)

	dbs, err := openDB(log, cfg.DB)
	if err != nil {
		log.Sync()
		return nil, err
	}

	clients, err := wireClients(log, cfg)
	if err != nil {
		_ = dbs.Close()
		log.Sync()
		return nil, err
	}
	for _, opt := range opts {
		opt(&clients)
	}

	hub := realtime.NewSSEHub(log)
	if cfg.SSEHeartbeat > 0 {
		hub.SetHeartbeat(cfg.SSEHeartbeat)
	}
	metrics := observability.Init(cfg.MetricsEnabled, log)

	reposet := wireRepos(dbs, log)
	serviceset, err := wireServices(log, cfg, reposet, clients, hub, metrics)
	if err != nil {
		clients.closeBus()
		_ = dbs.Close()
		log.Sync()
		return nil, err
	}

	a := &App{
		Log:      log,
		DB:       dbs,
		Cfg:      cfg,
		Clients:  clients,
		Repos:    reposet,
		Services: serviceset,
		Hub:      hub,
		Metrics:  metrics,
	}
	if cfg.RunServer {
		a.Server = wireServer(log, cfg, wireHandlers(log, dbs, serviceset, hub), metrics)
	}
	return a, nil
}

// Start launches the background components: bus forwarder, runner pool,
// reaper, janitor and the queue-depth collector.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: a.Cfg.ServiceName,
		Environment: a.Cfg.LogMode,
		RunServer:   a.Cfg.RunServer,
		RunWorker:   a.Cfg.RunWorker,
		Concurrency: a.Cfg.Worker.Concurrency,
		Bus:         a.Cfg.Bus,
		Tracing:     a.Cfg.Tracing,
	})

	if a.Clients.Bus != nil {
		if err := a.Clients.Bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
			cancel()
			return fmt.Errorf("start bus forwarder: %w", err)
		}
	}

	if s := a.Services; s.Pool != nil {
		s.Pool.Start(ctx)
		a.wg.Add(2)
		go func() { defer a.wg.Done(); s.Reaper.Run(ctx) }()
		go func() { defer a.wg.Done(); s.Janitor.Run(ctx) }()
	}

	a.Metrics.StartJobQueueCollector(ctx, a.Log, a.DB.DB(), a.Cfg.MetricsScrapeInterval)
	return nil
}

// Run starts the app and blocks until ctx is done or the server fails, then
// drains within the configured grace period.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	if a.Server != nil {
		a.Log.Info("Serving job API", "port", a.Cfg.Port)
		go func() { serveErr <- a.Server.Run() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.Log.Info("Shutdown requested", "cause", context.Cause(ctx))
	case runErr = <-serveErr:
		if runErr != nil {
			a.Log.Error("job API server stopped", "error", runErr)
		}
	}

	graceCtx, cancel := shutdown.Grace(a.Cfg.ShutdownGrace)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(graceCtx))
}

// Shutdown interrupts running jobs, waits for the runners to record their
// final state, then stops the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.cancel != nil {
		a.cancel()
		if a.Services.Pool != nil {
			select {
			case <-a.Services.Pool.Done():
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("runner pool drain: %w", ctx.Err()))
			}
		}
	}
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	a.wg.Wait()
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Clients.closeBus()
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
