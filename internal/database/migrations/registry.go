// Package migrations versions the durable queue schema.
package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/hlsforge/internal/models"
)

const claimIndex = "idx_queue_jobs_claim"

// AllMigrations returns all registered migrations in order.
//   - 001: queue_jobs and queue_job_history
//   - 002: composite index backing AcquireJob
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002ClaimIndex(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create durable queue tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.QueueJob{},
				&models.QueueJobHistory{},
			)
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"queue_job_history", "queue_jobs"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// The claim query filters on queue and status and orders by next_run_at.
func migration002ClaimIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index queue_jobs for claiming",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.QueueJob{}, claimIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + claimIndex + " ON queue_jobs (queue, status, next_run_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.QueueJob{}, claimIndex) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.QueueJob{}, claimIndex)
		},
	}
}
