package app

import (
	"net"

	apphttp "github.com/iofold/iofold-jobs/internal/http"
	httpH "github.com/iofold/iofold-jobs/internal/http/handlers"
	"github.com/iofold/iofold-jobs/internal/data/db"
	"github.com/iofold/iofold-jobs/internal/observability"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
	"github.com/iofold/iofold-jobs/internal/realtime"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Job      *httpH.JobHandler
	Realtime *httpH.RealtimeHandler
}

func wireHandlers(log *logger.Logger, dbs *db.Service, services Services, hub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:   httpH.NewHealthHandler(dbs),
		Job:      httpH.NewJobHandler(log, services.JobService),
		Realtime: httpH.NewRealtimeHandler(log, hub, services.JobService),
	}
}

func wireServer(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *apphttp.Server {
	log.Info("Wiring router...")
	return apphttp.NewServer(net.JoinHostPort("", cfg.Port), apphttp.RouterConfig{
		Log:             log,
		ServiceName:     cfg.ServiceName,
		CORSOrigins:     cfg.CORSOrigins,
		Metrics:         metrics,
		JobHandler:      handlers.Job,
		RealtimeHandler: handlers.Realtime,
		HealthHandler:   handlers.Health,
	})
}
