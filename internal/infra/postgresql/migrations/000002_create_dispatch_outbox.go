package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"gorm.io/gorm"
)

func createDispatchOutboxTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_dispatch_outbox",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.OutboxModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_dispatch_outbox_idempotency ON dispatch_outbox (tenant_id, workspace_id, idempotency_key)`,
				`CREATE INDEX IF NOT EXISTS idx_dispatch_outbox_run_status ON dispatch_outbox (run_id, channel, status)`,
				`CREATE INDEX IF NOT EXISTS idx_dispatch_outbox_job_id ON dispatch_outbox (job_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.OutboxModel{})
		},
	}
}
