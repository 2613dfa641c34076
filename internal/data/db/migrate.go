package db

import (
	"gorm.io/gorm"

	types "github.com/iofold/iofold-jobs/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Job{},
	)
}
