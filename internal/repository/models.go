package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// RunModel is the persistence model for the campaign_runs table.
type RunModel struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	TenantID       string           `gorm:"type:varchar(64);not null"`
	WorkspaceID    string           `gorm:"type:varchar(64);not null"`
	CampaignID     string           `gorm:"type:varchar(64);not null"`
	Channels       string           `gorm:"column:channel;type:varchar(64);not null"`
	Status         domain.RunStatus `gorm:"type:varchar(20);not null"`
	Paused         bool             `gorm:"not null;default:false"`
	TotalJobs      int              `gorm:"not null;default:0"`
	ContentVersion string           `gorm:"type:varchar(64);not null"`
	ScheduledSlot  int64            `gorm:"not null"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          *string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RunModel) TableName() string {
	return "campaign_runs"
}

// JobModel is the persistence model for the campaign_jobs table.
type JobModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	TenantID     string             `gorm:"type:varchar(64);not null"`
	WorkspaceID  string             `gorm:"type:varchar(64);not null"`
	RunID        string             `gorm:"type:uuid;not null"`
	JobType      domain.JobType     `gorm:"type:varchar(20);not null"`
	Payload      json.RawMessage    `gorm:"type:jsonb;not null"`
	Status       domain.JobStatus   `gorm:"type:varchar(20);not null"`
	Attempts     int                `gorm:"not null;default:0"`
	MaxAttempts  int                `gorm:"not null;default:3"`
	LockedBy     *string            `gorm:"type:varchar(128)"`
	LockedAt     *time.Time         `gorm:"type:timestamptz"`
	RunAfter     time.Time          `gorm:"type:timestamptz;not null"`
	LastError    *string            `gorm:"type:text"`
	Outcome      *domain.JobOutcome `gorm:"type:varchar(20)"`
	SentCount    int                `gorm:"not null;default:0"`
	FailedCount  int                `gorm:"not null;default:0"`
	SkippedCount int                `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func (JobModel) TableName() string {
	return "campaign_jobs"
}

// OutboxModel is the persistence model for the dispatch_outbox table.
type OutboxModel struct {
	ID                string              `gorm:"type:uuid;primaryKey"`
	TenantID          string              `gorm:"type:varchar(64);not null"`
	WorkspaceID       string              `gorm:"type:varchar(64);not null"`
	RunID             string              `gorm:"type:uuid;not null"`
	JobID             string              `gorm:"type:uuid;not null"`
	Channel           domain.Channel      `gorm:"type:varchar(10);not null"`
	Provider          string              `gorm:"type:varchar(32);not null"`
	RecipientID       string              `gorm:"type:varchar(128);not null"`
	RecipientEmail    *string             `gorm:"type:varchar(255)"`
	RecipientPhone    *string             `gorm:"type:varchar(32)"`
	RecipientHandle   *string             `gorm:"type:varchar(255)"`
	IdempotencyKey    string              `gorm:"type:varchar(64);not null"`
	Status            domain.OutboxStatus `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string             `gorm:"type:varchar(255)"`
	Error             *string             `gorm:"type:text"`
	Skipped           bool                `gorm:"not null;default:false"`
	SkipReason        *string             `gorm:"type:varchar(64)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (OutboxModel) TableName() string {
	return "dispatch_outbox"
}

// AuditEventModel is the persistence model for the audit_events table.
type AuditEventModel struct {
	ID          string                `gorm:"type:uuid;primaryKey"`
	TenantID    string                `gorm:"type:varchar(64);not null"`
	WorkspaceID string                `gorm:"type:varchar(64);not null"`
	RunID       *string               `gorm:"type:uuid"`
	JobID       *string               `gorm:"type:uuid"`
	Type        domain.AuditEventType `gorm:"type:varchar(32);not null"`
	Message     string                `gorm:"type:text;not null"`
	Data        json.RawMessage       `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

func (AuditEventModel) TableName() string {
	return "audit_events"
}

// RateLimitPolicyModel is the persistence model for rate_limit_policies.
type RateLimitPolicyModel struct {
	TenantID         string         `gorm:"type:varchar(64);primaryKey"`
	Channel          domain.Channel `gorm:"type:varchar(10);primaryKey"`
	HourlyLimit      int64          `gorm:"not null;default:0"`
	DailyLimit       int64          `gorm:"not null;default:0"`
	SoftCapEnforced  bool           `gorm:"not null"`
	WarningThreshold int            `gorm:"not null;default:80"`
	UpdatedAt        time.Time
}

func (RateLimitPolicyModel) TableName() string {
	return "rate_limit_policies"
}

// CampaignModel mirrors the approved campaign content owned by the authoring
// system. The engine only reads it.
type CampaignModel struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	TenantID    string `gorm:"type:varchar(64);not null"`
	WorkspaceID string `gorm:"type:varchar(64);not null"`
	Version     string `gorm:"type:varchar(64);not null"`
	Subject     string `gorm:"type:varchar(255)"`
	HTMLBody    string `gorm:"type:text"`
	TextBody    string `gorm:"type:text"`
	VoiceScript string `gorm:"type:text"`
	PostText    string `gorm:"type:text"`
	MediaURL    string `gorm:"type:varchar(1024)"`
	UpdatedAt   time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}

// LeadModel mirrors CRM leads.
type LeadModel struct {
	ID          string `gorm:"type:varchar(64);primaryKey"`
	TenantID    string `gorm:"type:varchar(64);not null"`
	WorkspaceID string `gorm:"type:varchar(64);not null"`
	Email       string `gorm:"type:varchar(255)"`
	Phone       string `gorm:"type:varchar(32)"`
	FirstName   string `gorm:"type:varchar(128)"`
	LastName    string `gorm:"type:varchar(128)"`
	OptedOut    bool   `gorm:"not null;default:false"`
}

func (LeadModel) TableName() string {
	return "leads"
}

// CampaignAudienceModel links a campaign to its target leads.
type CampaignAudienceModel struct {
	CampaignID string `gorm:"type:varchar(64);primaryKey"`
	LeadID     string `gorm:"type:varchar(64);primaryKey"`
}

func (CampaignAudienceModel) TableName() string {
	return "campaign_audiences"
}

// ChannelSettingModel mirrors the per-workspace integration settings.
type ChannelSettingModel struct {
	TenantID      string           `gorm:"type:varchar(64);primaryKey"`
	WorkspaceID   string           `gorm:"type:varchar(64);primaryKey"`
	Channel       domain.Channel   `gorm:"type:varchar(10);primaryKey"`
	Provider      string           `gorm:"type:varchar(32)"`
	Connected     bool             `gorm:"not null;default:false"`
	SenderEmail   string           `gorm:"type:varchar(255)"`
	SenderName    string           `gorm:"type:varchar(255)"`
	AssistantID   string           `gorm:"type:varchar(128)"`
	PhoneNumberID string           `gorm:"type:varchar(128)"`
	VoiceMode     domain.VoiceMode `gorm:"type:varchar(10)"`
	AccountID     string           `gorm:"type:varchar(128)"`
	Platform      string           `gorm:"type:varchar(32)"`
	CanPost       bool             `gorm:"not null;default:false"`
	UpdatedAt     time.Time
}

func (ChannelSettingModel) TableName() string {
	return "channel_settings"
}

func runModelFromDomain(r *domain.Run) *RunModel {
	if r == nil {
		return nil
	}

	return &RunModel{
		ID:             r.ID,
		TenantID:       r.TenantID,
		WorkspaceID:    r.WorkspaceID,
		CampaignID:     r.CampaignID,
		Channels:       domain.ChannelList(r.Channels),
		Status:         r.Status,
		Paused:         r.Paused,
		TotalJobs:      r.TotalJobs,
		ContentVersion: r.ContentVersion,
		ScheduledSlot:  r.ScheduledSlot,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func runModelToDomain(m *RunModel) *domain.Run {
	if m == nil {
		return nil
	}

	return &domain.Run{
		ID:             m.ID,
		TenantID:       m.TenantID,
		WorkspaceID:    m.WorkspaceID,
		CampaignID:     m.CampaignID,
		Channels:       domain.ParseChannelList(m.Channels),
		Status:         m.Status,
		Paused:         m.Paused,
		TotalJobs:      m.TotalJobs,
		ContentVersion: m.ContentVersion,
		ScheduledSlot:  m.ScheduledSlot,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func jobModelFromDomain(j *domain.Job) (*JobModel, error) {
	if j == nil {
		return nil, nil
	}

	payload, err := domain.EncodePayload(j.Payload)
	if err != nil {
		return nil, err
	}

	return &JobModel{
		ID:           j.ID,
		TenantID:     j.TenantID,
		WorkspaceID:  j.WorkspaceID,
		RunID:        j.RunID,
		JobType:      j.Type,
		Payload:      json.RawMessage(payload),
		Status:       j.Status,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		LockedBy:     j.LockedBy,
		LockedAt:     j.LockedAt,
		RunAfter:     j.RunAfter,
		LastError:    j.LastError,
		Outcome:      j.Outcome,
		SentCount:    j.SentCount,
		FailedCount:  j.FailedCount,
		SkippedCount: j.SkippedCount,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}, nil
}

// jobModelToDomain decodes the payload into its typed variant. This is the
// only place stored payloads are interpreted.
func jobModelToDomain(m *JobModel) (*domain.Job, error) {
	if m == nil {
		return nil, nil
	}

	payload, err := domain.DecodePayload(m.JobType, m.Payload)
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		ID:           m.ID,
		TenantID:     m.TenantID,
		WorkspaceID:  m.WorkspaceID,
		RunID:        m.RunID,
		Type:         m.JobType,
		Payload:      payload,
		Status:       m.Status,
		Attempts:     m.Attempts,
		MaxAttempts:  m.MaxAttempts,
		LockedBy:     m.LockedBy,
		LockedAt:     m.LockedAt,
		RunAfter:     m.RunAfter,
		LastError:    m.LastError,
		Outcome:      m.Outcome,
		SentCount:    m.SentCount,
		FailedCount:  m.FailedCount,
		SkippedCount: m.SkippedCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		CompletedAt:  m.CompletedAt,
	}, nil
}

func jobTallyFromModel(m *JobModel) domain.JobTally {
	return domain.JobTally{
		Status:    m.Status,
		Outcome:   m.Outcome,
		Sent:      m.SentCount,
		Failed:    m.FailedCount,
		Retryable: m.Status == domain.JobStatusFailed && m.Attempts < m.MaxAttempts,
		LastError: m.LastError,
	}
}

func outboxModelFromDomain(e *domain.OutboxEntry) *OutboxModel {
	if e == nil {
		return nil
	}

	return &OutboxModel{
		ID:                e.ID,
		TenantID:          e.TenantID,
		WorkspaceID:       e.WorkspaceID,
		RunID:             e.RunID,
		JobID:             e.JobID,
		Channel:           e.Channel,
		Provider:          e.Provider,
		RecipientID:       e.RecipientID,
		RecipientEmail:    e.RecipientEmail,
		RecipientPhone:    e.RecipientPhone,
		RecipientHandle:   e.RecipientHandle,
		IdempotencyKey:    e.IdempotencyKey,
		Status:            e.Status,
		ProviderMessageID: e.ProviderMessageID,
		Error:             e.Error,
		Skipped:           e.Skipped,
		SkipReason:        e.SkipReason,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func outboxModelToDomain(m *OutboxModel) *domain.OutboxEntry {
	if m == nil {
		return nil
	}

	return &domain.OutboxEntry{
		ID:                m.ID,
		TenantID:          m.TenantID,
		WorkspaceID:       m.WorkspaceID,
		RunID:             m.RunID,
		JobID:             m.JobID,
		Channel:           m.Channel,
		Provider:          m.Provider,
		RecipientID:       m.RecipientID,
		RecipientEmail:    m.RecipientEmail,
		RecipientPhone:    m.RecipientPhone,
		RecipientHandle:   m.RecipientHandle,
		IdempotencyKey:    m.IdempotencyKey,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		Skipped:           m.Skipped,
		SkipReason:        m.SkipReason,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func auditModelFromDomain(e *domain.AuditEvent) (*AuditEventModel, error) {
	if e == nil {
		return nil, nil
	}

	var data json.RawMessage
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data = json.RawMessage(raw)
	}

	return &AuditEventModel{
		ID:          e.ID,
		TenantID:    e.TenantID,
		WorkspaceID: e.WorkspaceID,
		RunID:       e.RunID,
		JobID:       e.JobID,
		Type:        e.Type,
		Message:     e.Message,
		Data:        data,
		CreatedAt:   e.CreatedAt,
	}, nil
}

func auditModelToDomain(m *AuditEventModel) *domain.AuditEvent {
	if m == nil {
		return nil
	}

	var data map[string]any
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &data)
	}

	return &domain.AuditEvent{
		ID:          m.ID,
		TenantID:    m.TenantID,
		WorkspaceID: m.WorkspaceID,
		RunID:       m.RunID,
		JobID:       m.JobID,
		Type:        m.Type,
		Message:     m.Message,
		Data:        data,
		CreatedAt:   m.CreatedAt,
	}
}

func leadModelToDomain(m *LeadModel) domain.Lead {
	return domain.Lead{
		ID:          m.ID,
		TenantID:    m.TenantID,
		WorkspaceID: m.WorkspaceID,
		Email:       m.Email,
		Phone:       m.Phone,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		OptedOut:    m.OptedOut,
	}
}

func campaignModelToDomain(m *CampaignModel) *domain.CampaignContent {
	return &domain.CampaignContent{
		CampaignID:  m.ID,
		TenantID:    m.TenantID,
		WorkspaceID: m.WorkspaceID,
		Version:     m.Version,
		Subject:     m.Subject,
		HTMLBody:    m.HTMLBody,
		TextBody:    m.TextBody,
		VoiceScript: m.VoiceScript,
		PostText:    m.PostText,
		MediaURL:    m.MediaURL,
	}
}

func channelSettingModelToDomain(m *ChannelSettingModel) *domain.ChannelSettings {
	return &domain.ChannelSettings{
		TenantID:      m.TenantID,
		WorkspaceID:   m.WorkspaceID,
		Channel:       m.Channel,
		Provider:      m.Provider,
		Connected:     m.Connected,
		SenderEmail:   m.SenderEmail,
		SenderName:    m.SenderName,
		AssistantID:   m.AssistantID,
		PhoneNumberID: m.PhoneNumberID,
		VoiceMode:     m.VoiceMode,
		AccountID:     m.AccountID,
		Platform:      m.Platform,
		CanPost:       m.CanPost,
	}
}
