package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JobPayload is the typed body of a job. Each job type has exactly one
// payload variant; the variant is decoded once when the job is claimed.
type JobPayload interface {
	JobType() JobType
	Validate() error
}

// BatchTarget is shared by every payload variant.
type BatchTarget struct {
	CampaignID     string `json:"campaignId"`
	ContentVersion string `json:"contentVersion"`
	// ScheduledSlot is the unix start of the schedule bucket the run belongs to.
	ScheduledSlot int64 `json:"scheduledSlot"`
	// Resume marks a job created by resume; it re-dispatches entries that were
	// paused instead of resolving fresh recipients.
	Resume bool `json:"resume,omitempty"`
}

func (t BatchTarget) validate() error {
	if strings.TrimSpace(t.CampaignID) == "" {
		return fmt.Errorf("%w: campaign id is required", ErrValidation)
	}
	if strings.TrimSpace(t.ContentVersion) == "" {
		return fmt.Errorf("%w: content version is required", ErrValidation)
	}
	return nil
}

type EmailBatchPayload struct {
	BatchTarget
	LeadIDs []string `json:"leadIds"`
}

func (EmailBatchPayload) JobType() JobType { return JobTypeEmailBatch }

func (p EmailBatchPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	return validateLeadIDs(ChannelEmail, p.LeadIDs, p.Resume)
}

// VoiceMode selects between placing live calls and generating audio.
type VoiceMode string

const (
	VoiceModeLive VoiceMode = "live"
	VoiceModeTTS  VoiceMode = "tts"
)

func (m VoiceMode) String() string { return string(m) }

func (m VoiceMode) IsValid() bool {
	return m == VoiceModeLive || m == VoiceModeTTS
}

type VoiceBatchPayload struct {
	BatchTarget
	LeadIDs []string  `json:"leadIds"`
	Mode    VoiceMode `json:"mode"`
}

func (VoiceBatchPayload) JobType() JobType { return JobTypeVoiceBatch }

func (p VoiceBatchPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	// A resume job may leave the mode to the workspace settings.
	if !p.Mode.IsValid() && !(p.Resume && p.Mode == "") {
		return fmt.Errorf("%w: invalid voice mode %q", ErrValidation, p.Mode)
	}
	return validateLeadIDs(ChannelVoice, p.LeadIDs, p.Resume)
}

type SocialBatchPayload struct {
	BatchTarget
	AccountID string `json:"accountId"`
}

func (SocialBatchPayload) JobType() JobType { return JobTypeSocialBatch }

func (p SocialBatchPayload) Validate() error {
	if err := p.validate(); err != nil {
		return err
	}
	if !p.Resume && strings.TrimSpace(p.AccountID) == "" {
		return fmt.Errorf("%w: social account id is required", ErrValidation)
	}
	return nil
}

func validateLeadIDs(channel Channel, ids []string, resume bool) error {
	if resume {
		return nil
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s batch requires at least one lead", ErrValidation, channel)
	}
	if limit := channel.MaxBatchSize(); len(ids) > limit {
		return fmt.Errorf("%w: %s batch exceeds %d leads (got %d)", ErrValidation, channel, limit, len(ids))
	}
	return nil
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p JobPayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: job payload is required", ErrValidation)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.JobType(), err)
	}
	return raw, nil
}

// DecodePayload turns a stored payload into its typed variant.
func DecodePayload(jobType JobType, raw []byte) (JobPayload, error) {
	var (
		payload JobPayload
		err     error
	)

	switch jobType {
	case JobTypeEmailBatch:
		var p EmailBatchPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case JobTypeVoiceBatch:
		var p VoiceBatchPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case JobTypeSocialBatch:
		var p SocialBatchPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrValidation, jobType)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, jobType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
