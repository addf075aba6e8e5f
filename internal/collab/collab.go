// Package collab declares the systems the engine reads from but does not own:
// campaign authoring, CRM leads and workspace integration settings.
package collab

import (
	"context"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// CampaignSource returns approved campaign content. It returns
// domain.ErrNotFound for an unknown campaign.
type CampaignSource interface {
	GetContent(ctx context.Context, tenantID, workspaceID, campaignID string) (*domain.CampaignContent, error)
}

// LeadSource resolves CRM leads. Ids that do not exist are left out of the
// result rather than reported as errors.
type LeadSource interface {
	GetByIDs(ctx context.Context, tenantID, workspaceID string, ids []string) ([]domain.Lead, error)
	ListCampaignLeadIDs(ctx context.Context, tenantID, workspaceID, campaignID string) ([]string, error)
}

// SettingsSource returns per-channel integration settings. It returns
// domain.ErrNotFound when the workspace never connected the channel.
type SettingsSource interface {
	GetChannelSettings(ctx context.Context, tenantID, workspaceID string, channel domain.Channel) (*domain.ChannelSettings, error)
}
