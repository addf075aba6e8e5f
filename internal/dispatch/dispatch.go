// Package dispatch turns a claimed batch job into provider calls, one
// recipient at a time, through the outbox ledger.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/gate"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
)

// Channel is the per-channel capability set the runner drives.
type Channel interface {
	gate.Validator
	// ResolveRecipients returns the job's recipients in payload order.
	// Recipients that cannot be contacted carry a SkipReason.
	ResolveRecipients(ctx context.Context, job *domain.Job, settings *domain.ChannelSettings) ([]domain.Recipient, error)
	// SendOne performs the provider call for one recipient.
	SendOne(ctx context.Context, req SendRequest) (Outcome, error)
}

type SendRequest struct {
	Job            *domain.Job
	Settings       *domain.ChannelSettings
	Content        *domain.CampaignContent
	Recipient      domain.Recipient
	IdempotencyKey string
}

// Outcome is the terminal status reported by a channel for one recipient.
type Outcome struct {
	Status            domain.OutboxStatus
	ProviderMessageID string
}

// Ledger is the slice of the outbox the runner writes through.
type Ledger interface {
	Reserve(ctx context.Context, entry *domain.OutboxEntry) (*domain.OutboxEntry, bool, error)
	BeginDispatch(ctx context.Context, entryID string) (bool, error)
	Park(ctx context.Context, entryID string) (bool, error)
	RecordOutcome(ctx context.Context, update repository.OutcomeUpdate) error
	ListQueuedByRun(ctx context.Context, runID string, channel domain.Channel, limit int) ([]domain.OutboxEntry, error)
}

type RunReader interface {
	GetByID(ctx context.Context, id string) (*domain.Run, error)
}

// DeferError asks the worker to put the job back until Until without
// spending an attempt.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.UTC().Format(time.RFC3339), e.Reason)
}

func batchTarget(payload domain.JobPayload) (domain.BatchTarget, error) {
	switch p := payload.(type) {
	case domain.EmailBatchPayload:
		return p.BatchTarget, nil
	case domain.VoiceBatchPayload:
		return p.BatchTarget, nil
	case domain.SocialBatchPayload:
		return p.BatchTarget, nil
	}
	return domain.BatchTarget{}, fmt.Errorf("%w: unsupported payload %T", domain.ErrValidation, payload)
}

func recipientFromEntry(e domain.OutboxEntry) domain.Recipient {
	r := domain.Recipient{ID: e.RecipientID}
	if e.RecipientEmail != nil {
		r.Email = *e.RecipientEmail
	}
	if e.RecipientPhone != nil {
		r.Phone = *e.RecipientPhone
	}
	if e.RecipientHandle != nil {
		r.Handle = *e.RecipientHandle
	}
	return r
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
