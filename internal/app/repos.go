package app

import (
	"fmt"

	"github.com/iofold/iofold-jobs/internal/data/artifacts"
	"github.com/iofold/iofold-jobs/internal/data/db"
	jobrepo "github.com/iofold/iofold-jobs/internal/data/repos/jobs"
	"github.com/iofold/iofold-jobs/internal/platform/logger"
)

type Repos struct {
	Jobs      jobrepo.JobStore
	Artifacts *artifacts.Store
}

func openDB(log *logger.Logger, cfg db.Config) (*db.Service, error) {
	svc, err := db.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	if err := db.AutoMigrateAll(svc.DB()); err != nil {
		return nil, fmt.Errorf("database automigrate: %w", err)
	}
	return svc, nil
}

func wireRepos(svc *db.Service, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Jobs:      jobrepo.NewJobStore(svc.DB(), log),
		Artifacts: artifacts.NewStore(),
	}
}
