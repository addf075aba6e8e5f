package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"gorm.io/gorm"
)

// The campaign, lead and settings tables are owned by upstream systems in
// production; they are created here so a fresh database is usable end to end.
func createCollaboratorTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_collaborator_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(
				&repository.CampaignModel{},
				&repository.LeadModel{},
				&repository.CampaignAudienceModel{},
				&repository.ChannelSettingModel{},
				&repository.RateLimitPolicyModel{},
			); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads (tenant_id, workspace_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.RateLimitPolicyModel{},
				&repository.ChannelSettingModel{},
				&repository.CampaignAudienceModel{},
				&repository.LeadModel{},
				&repository.CampaignModel{},
			)
		},
	}
}
