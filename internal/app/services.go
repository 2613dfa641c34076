package app

import (
	"fmt"

	"github.com/iofold/iofold-jobs/internal/jobs/pipeline/execute_eval"
	"github.com/iofold/iofold-jobs/internal/jobs/pipeline/generate_eval"
	"github.com/iofold/iofold-jobs/internal/jobs/pipeline/import_traces"
	jobrt "github.com/iofold/iofold-jobs/internal/jobs/runtime"
	"github.com/iofold/iofold-jobs/internal/jobs/worker"
	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime"
	"github.com/iofold/iofold-jobs/internal/services"
)

type Services struct {
	Emitter    services.SSEEmitter
	Notifier   services.JobNotifier
	Registry   *jobrt.Registry
	JobService services.JobService

	// Runner side; nil when RUN_WORKER=false.
	Pool    *worker.Pool
	Reaper  *worker.Reaper
	Janitor *worker.Janitor
}

func wireServices(log *logger.Logger, cfg Config, repos Repos, clients Clients, hub *realtime.SSEHub, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	// Job events reach the local hub directly unless a bus is configured,
	// in which case every process (this one included) is fed by its forwarder.
	var emitter services.SSEEmitter = &services.HubEmitter{Hub: hub}
	if clients.Bus != nil {
		emitter = &services.BusEmitter{Bus: clients.Bus, Log: log}
	}
	notifier := services.NewJobNotifier(emitter, log)

	registry := jobrt.NewRegistry()
	handlers := []jobrt.Handler{
		import_traces.New(clients.Traces, repos.Artifacts, log),
		generate_eval.New(clients.Synthesizer, repos.Artifacts, clients.Model, log),
		execute_eval.New(repos.Artifacts, repos.Artifacts, clients.Executor, repos.Artifacts, log),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return Services{}, fmt.Errorf("register job handler: %w", err)
		}
	}

	out := Services{
		Emitter:  emitter,
		Notifier: notifier,
		Registry: registry,
	}

	var waker services.Waker
	if cfg.RunWorker {
		out.Pool = worker.NewPool(cfg.Worker, log, repos.Jobs, registry, notifier)
		out.Pool.SetMetrics(metrics)
		out.Reaper = worker.NewReaper(repos.Jobs, notifier, log, cfg.DeadThreshold, cfg.ReaperInterval)
		out.Janitor = worker.NewJanitor(repos.Jobs, log, cfg.Retention, cfg.JanitorInterval)
		waker = out.Pool
	}

	out.JobService = services.NewJobService(log, repos.Jobs, notifier, registry, waker, cfg.Retention)
	return out, nil
}
