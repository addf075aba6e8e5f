package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
)

// GormCampaignRepo reads approved campaign content.
type GormCampaignRepo struct {
	db *gorm.DB
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db}
}

func (r *GormCampaignRepo) GetContent(ctx context.Context, tenantID, workspaceID, campaignID string) (*domain.CampaignContent, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND workspace_id = ?", campaignID, tenantID, workspaceID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model), nil
}

// GormLeadRepo reads CRM leads, scoped to tenant and workspace.
type GormLeadRepo struct {
	db *gorm.DB
}

func NewGormLeadRepo(db *gorm.DB) *GormLeadRepo {
	return &GormLeadRepo{db: db}
}

func (r *GormLeadRepo) GetByIDs(ctx context.Context, tenantID, workspaceID string, ids []string) ([]domain.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []LeadModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND workspace_id = ? AND id IN ?", tenantID, workspaceID, ids).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	leads := make([]domain.Lead, 0, len(models))
	for i := range models {
		leads = append(leads, leadModelToDomain(&models[i]))
	}
	return leads, nil
}

// ListCampaignLeadIDs returns the audience of a campaign in a stable order.
func (r *GormLeadRepo) ListCampaignLeadIDs(ctx context.Context, tenantID, workspaceID, campaignID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&CampaignAudienceModel{}).
		Joins("JOIN leads l ON l.id = campaign_audiences.lead_id").
		Where("campaign_audiences.campaign_id = ? AND l.tenant_id = ? AND l.workspace_id = ?", campaignID, tenantID, workspaceID).
		Order("campaign_audiences.lead_id ASC").
		Pluck("campaign_audiences.lead_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GormSettingsRepo reads per-workspace channel settings.
type GormSettingsRepo struct {
	db *gorm.DB
}

func NewGormSettingsRepo(db *gorm.DB) *GormSettingsRepo {
	return &GormSettingsRepo{db: db}
}

func (r *GormSettingsRepo) GetChannelSettings(ctx context.Context, tenantID, workspaceID string, channel domain.Channel) (*domain.ChannelSettings, error) {
	var model ChannelSettingModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND workspace_id = ? AND channel = ?", tenantID, workspaceID, channel).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return channelSettingModelToDomain(&model), nil
}

// GormPolicyRepo reads rate limit policies.
type GormPolicyRepo struct {
	db *gorm.DB
}

func NewGormPolicyRepo(db *gorm.DB) *GormPolicyRepo {
	return &GormPolicyRepo{db: db}
}

func (r *GormPolicyRepo) GetPolicy(ctx context.Context, tenantID string, channel domain.Channel) (*domain.RateLimitPolicy, error) {
	var model RateLimitPolicyModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND channel = ?", tenantID, channel).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &domain.RateLimitPolicy{
		TenantID:         model.TenantID,
		Channel:          model.Channel,
		HourlyLimit:      model.HourlyLimit,
		DailyLimit:       model.DailyLimit,
		SoftCapEnforced:  model.SoftCapEnforced,
		WarningThreshold: model.WarningThreshold,
	}, nil
}
