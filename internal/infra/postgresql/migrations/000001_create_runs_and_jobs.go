package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"gorm.io/gorm"
)

func createRunsAndJobsTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_runs_and_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.RunModel{}, &repository.JobModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_campaign_runs_tenant ON campaign_runs (tenant_id, workspace_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_runs_active ON campaign_runs (updated_at) WHERE status IN ('queued', 'running')`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_jobs_claim ON campaign_jobs (status, run_after, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_jobs_run_id ON campaign_jobs (run_id)`,
				`CREATE INDEX IF NOT EXISTS idx_campaign_jobs_locked_at ON campaign_jobs (locked_at) WHERE status = 'claimed'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.JobModel{}, &repository.RunModel{})
		},
	}
}
