package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OutboxStatus is the state of one dispatch attempt.
type OutboxStatus string

const (
	OutboxStatusQueued        OutboxStatus = "queued"
	OutboxStatusSending       OutboxStatus = "sending"
	OutboxStatusPaused        OutboxStatus = "paused"
	OutboxStatusSent          OutboxStatus = "sent"
	OutboxStatusCalled        OutboxStatus = "called"
	OutboxStatusPosted        OutboxStatus = "posted"
	OutboxStatusPendingReview OutboxStatus = "pending_review"
	OutboxStatusFailed        OutboxStatus = "failed"
	OutboxStatusSkipped       OutboxStatus = "skipped"
)

func (s OutboxStatus) String() string { return string(s) }

// IsSuccess reports whether the status counts as a delivered action.
func (s OutboxStatus) IsSuccess() bool {
	switch s {
	case OutboxStatusSent, OutboxStatusCalled, OutboxStatusPosted, OutboxStatusPendingReview:
		return true
	}
	return false
}

// IsTerminal reports whether the provider already responded for the entry.
func (s OutboxStatus) IsTerminal() bool {
	return s.IsSuccess() || s == OutboxStatusFailed || s == OutboxStatusSkipped
}

func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxStatusQueued, OutboxStatusSending, OutboxStatusPaused,
		OutboxStatusSent, OutboxStatusCalled, OutboxStatusPosted, OutboxStatusPendingReview,
		OutboxStatusFailed, OutboxStatusSkipped:
		return true
	}
	return false
}

func ParseOutboxStatusFromString(s string) (OutboxStatus, error) {
	status := OutboxStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: invalid outbox status %q", ErrValidation, s)
	}
	return status, nil
}

var channelOutcomes = map[Channel][]OutboxStatus{
	ChannelEmail:  {OutboxStatusSent, OutboxStatusFailed, OutboxStatusSkipped},
	ChannelVoice:  {OutboxStatusCalled, OutboxStatusFailed, OutboxStatusSkipped},
	ChannelSocial: {OutboxStatusPosted, OutboxStatusPendingReview, OutboxStatusFailed},
}

// ValidOutcome reports whether status is a terminal value allowed for channel.
func ValidOutcome(channel Channel, status OutboxStatus) bool {
	for _, allowed := range channelOutcomes[channel] {
		if allowed == status {
			return true
		}
	}
	return false
}

// SuccessStatus is the delivered status recorded for a channel.
func SuccessStatus(channel Channel) OutboxStatus {
	switch channel {
	case ChannelVoice:
		return OutboxStatusCalled
	case ChannelSocial:
		return OutboxStatusPosted
	}
	return OutboxStatusSent
}

// Skip reasons recorded on outbox rows and recipient results.
const (
	SkipReasonIdempotentReplay = "idempotent_replay"
	SkipReasonRunPaused        = "run_paused"
	SkipReasonInFlight         = "dispatch_in_flight"
	SkipReasonMissingEmail     = "missing_email"
	SkipReasonMissingPhone     = "missing_phone"
	SkipReasonOptedOut         = "opted_out"
	SkipReasonLeadNotFound     = "lead_not_found"
)

// OutboxEntry is the write-ahead ledger row for one (run, channel, recipient).
type OutboxEntry struct {
	ID                string
	TenantID          string
	WorkspaceID       string
	RunID             string
	JobID             string
	Channel           Channel
	Provider          string
	RecipientID       string
	RecipientEmail    *string
	RecipientPhone    *string
	RecipientHandle   *string
	IdempotencyKey    string
	Status            OutboxStatus
	ProviderMessageID *string
	Error             *string
	Skipped           bool
	SkipReason        *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (e *OutboxEntry) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" || strings.TrimSpace(e.WorkspaceID) == "" {
		return fmt.Errorf("%w: tenant and workspace are required", ErrValidation)
	}
	if strings.TrimSpace(e.RunID) == "" || strings.TrimSpace(e.JobID) == "" {
		return fmt.Errorf("%w: run and job are required", ErrValidation)
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, e.Channel)
	}
	if strings.TrimSpace(e.RecipientID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	return nil
}

// IdempotencyKey derives the dispatch key for a recipient. Recomputing it
// from the same inputs always yields the same key, so a replayed job cannot
// reserve a second dispatch.
func IdempotencyKey(runID, recipientID, contentVersion string, scheduledSlot int64) string {
	h := sha256.New()
	for _, part := range []string{runID, recipientID, contentVersion, strconv.FormatInt(scheduledSlot, 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RecipientRef qualifies a recipient id with its channel so that a lead
// reached on two channels of the same run gets two distinct keys.
func RecipientRef(channel Channel, recipientID string) string {
	return channel.String() + ":" + recipientID
}

// ScheduleSlot truncates a scheduled time into its bucket start.
func ScheduleSlot(scheduledAt time.Time, slot time.Duration) int64 {
	if slot <= 0 {
		return scheduledAt.UTC().Unix()
	}
	return scheduledAt.UTC().Truncate(slot).Unix()
}
