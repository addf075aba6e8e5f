package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/collab"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/gate"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const maxResumePages = 1000

var errQuotaSpent = errors.New("granted quota spent")

type RunnerDeps struct {
	Channels []Channel
	Gate     *gate.Gate
	Ledger   Ledger
	Runs     RunReader
	Content  collab.CampaignSource
	// Throttle is optional.
	Throttle ratelimit.Throttle
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Runner processes one claimed job end to end.
type Runner struct {
	channels map[domain.Channel]Channel
	gate     *gate.Gate
	ledger   Ledger
	runs     RunReader
	content  collab.CampaignSource
	throttle ratelimit.Throttle
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewRunner(deps RunnerDeps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	channels := make(map[domain.Channel]Channel, len(deps.Channels))
	for _, ch := range deps.Channels {
		channels[ch.Channel()] = ch
	}

	return &Runner{
		channels: channels,
		gate:     deps.Gate,
		ledger:   deps.Ledger,
		runs:     deps.Runs,
		content:  deps.Content,
		throttle: deps.Throttle,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// Process dispatches every recipient of job. Per-recipient provider failures
// are recorded on the outbox and reflected in the result; an error return
// means the job itself could not run (configuration, storage, rate limit).
func (r *Runner) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: job is required", domain.ErrValidation)
	}

	channel := job.Type.Channel()
	ch, ok := r.channels[channel]
	if !ok {
		return nil, &domain.ConfigurationError{Channel: channel, Reason: "no dispatcher registered for channel"}
	}

	settings, providerName, err := r.gate.Check(ctx, job.TenantID, job.WorkspaceID, channel)
	if err != nil {
		return nil, err
	}

	target, err := batchTarget(job.Payload)
	if err != nil {
		return nil, err
	}

	content, err := r.content.GetContent(ctx, job.TenantID, job.WorkspaceID, target.CampaignID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("campaign %s no longer exists: %w", target.CampaignID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign content: %w", err)
	}
	if content.Version != target.ContentVersion {
		return nil, fmt.Errorf("%w: campaign content changed since launch (launched %s, now %s)",
			domain.ErrConflict, target.ContentVersion, content.Version)
	}

	b := &batch{
		runner:   r,
		job:      job,
		channel:  ch,
		settings: settings,
		provider: providerName,
		content:  content,
		target:   target,
		result:   domain.NewJobResult(),
		logger: observability.WithContextLogger(r.logger, ctx).With(
			zap.String("channel", channel.String()),
			zap.String("provider", providerName),
		),
	}

	if target.Resume {
		err = b.resume(ctx)
	} else {
		var recipients []domain.Recipient
		recipients, err = ch.ResolveRecipients(ctx, job, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s recipients: %w", channel, err)
		}
		err = b.dispatch(ctx, recipients)
	}
	if err != nil {
		return b.result, err
	}
	return b.result, nil
}

type batch struct {
	runner   *Runner
	job      *domain.Job
	channel  Channel
	settings *domain.ChannelSettings
	provider string
	content  *domain.CampaignContent
	target   domain.BatchTarget
	result   *domain.JobResult
	calls    int
	// budget is the quota still granted to the current dispatch pass.
	budget int64
	logger *zap.Logger
}

// resume re-dispatches the entries a pause parked, page by page, until none
// are left or a page makes no progress.
func (b *batch) resume(ctx context.Context) error {
	limit := b.channel.Channel().MaxBatchSize()
	for page := 0; page < maxResumePages; page++ {
		entries, err := b.runner.ledger.ListQueuedByRun(ctx, b.job.RunID, b.channel.Channel(), limit)
		if err != nil {
			return fmt.Errorf("failed to list queued entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		recipients := make([]domain.Recipient, 0, len(entries))
		for _, e := range entries {
			recipients = append(recipients, recipientFromEntry(e))
		}

		before := b.calls
		if err := b.dispatch(ctx, recipients); err != nil {
			return err
		}
		if b.calls == before {
			return nil
		}
	}
	return nil
}

func (b *batch) dispatch(ctx context.Context, recipients []domain.Recipient) error {
	var eligible int64
	for _, rcp := range recipients {
		if rcp.SkipReason == "" {
			eligible++
		}
	}

	channel := b.channel.Channel()
	decision, err := b.runner.gate.Reserve(ctx, b.job.TenantID, channel, eligible)
	if err != nil {
		return fmt.Errorf("failed to reserve %s quota: %w", channel, err)
	}
	if !decision.Allowed {
		return &DeferError{Until: decision.RetryAt, Reason: decision.Reason}
	}

	start := b.calls
	b.budget = decision.Granted
	defer func() {
		unused := decision.Granted - int64(b.calls-start)
		b.runner.gate.Release(context.WithoutCancel(ctx), b.job.TenantID, channel, unused)
	}()

	for _, rcp := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.dispatchOne(ctx, rcp)
		if errors.Is(err, errQuotaSpent) {
			// Entries reserved so far stay queued; the deferred attempt
			// picks them up through the ledger.
			return &DeferError{Until: decision.RetryAt, Reason: decision.Reason}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) dispatchOne(ctx context.Context, rcp domain.Recipient) error {
	channel := b.channel.Channel()
	ledger := b.runner.ledger

	entry := &domain.OutboxEntry{
		TenantID:        b.job.TenantID,
		WorkspaceID:     b.job.WorkspaceID,
		RunID:           b.job.RunID,
		JobID:           b.job.ID,
		Channel:         channel,
		Provider:        b.provider,
		RecipientID:     rcp.ID,
		RecipientEmail:  optional(rcp.Email),
		RecipientPhone:  optional(rcp.Phone),
		RecipientHandle: optional(rcp.Handle),
		IdempotencyKey:  domain.IdempotencyKey(b.job.RunID, domain.RecipientRef(channel, rcp.ID), b.target.ContentVersion, b.target.ScheduledSlot),
		Status:          domain.OutboxStatusQueued,
	}

	stored, exists, err := ledger.Reserve(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to reserve outbox entry for %s: %w", rcp.ID, err)
	}

	if exists && stored.Status.IsTerminal() {
		b.replayed(stored, rcp)
		return nil
	}
	if exists && stored.Status != domain.OutboxStatusQueued {
		reason := domain.SkipReasonInFlight
		if stored.Status == domain.OutboxStatusPaused {
			reason = domain.SkipReasonRunPaused
		}
		b.add(domain.RecipientResult{RecipientID: rcp.ID, EntryID: stored.ID, Status: domain.OutboxStatusSkipped, SkipReason: reason})
		return nil
	}

	if rcp.SkipReason != "" {
		return b.recordIneligible(ctx, stored, rcp)
	}

	paused, err := b.runPaused(ctx)
	if err != nil {
		return err
	}
	if paused {
		if _, err := ledger.Park(ctx, stored.ID); err != nil {
			return fmt.Errorf("failed to park outbox entry %s: %w", stored.ID, err)
		}
		b.add(domain.RecipientResult{RecipientID: rcp.ID, EntryID: stored.ID, Status: domain.OutboxStatusSkipped, SkipReason: domain.SkipReasonRunPaused})
		return nil
	}

	if b.budget <= 0 {
		return errQuotaSpent
	}

	won, err := ledger.BeginDispatch(ctx, stored.ID)
	if err != nil {
		return fmt.Errorf("failed to start dispatch of %s: %w", stored.ID, err)
	}
	if !won {
		b.add(domain.RecipientResult{RecipientID: rcp.ID, EntryID: stored.ID, Status: domain.OutboxStatusSkipped, SkipReason: domain.SkipReasonInFlight})
		return nil
	}
	b.calls++
	b.budget--

	update := repository.OutcomeUpdate{EntryID: stored.ID, Channel: channel}

	var sendErr error
	if b.runner.throttle != nil {
		sendErr = b.runner.throttle.Wait(ctx, b.provider)
	}
	if sendErr == nil {
		started := time.Now()
		var outcome Outcome
		outcome, sendErr = b.channel.SendOne(ctx, SendRequest{
			Job:            b.job,
			Settings:       b.settings,
			Content:        b.content,
			Recipient:      rcp,
			IdempotencyKey: stored.IdempotencyKey,
		})
		b.runner.metrics.ObserveProviderCall(channel.String(), b.provider, time.Since(started))
		update.Status = outcome.Status
		update.ProviderMessageID = outcome.ProviderMessageID
	}
	if sendErr != nil {
		update.Status = domain.OutboxStatusFailed
		update.ProviderMessageID = ""
		update.Error = provider.Describe(sendErr)
		b.logger.Warn("dispatch failed",
			zap.String("entryId", stored.ID),
			zap.String("recipientId", rcp.ID),
			zap.Bool("transient", provider.IsTransient(sendErr)),
			zap.Error(sendErr),
		)
	}

	// The provider already answered; the outcome must be stored even if the
	// job context was cancelled meanwhile.
	if err := ledger.RecordOutcome(context.WithoutCancel(ctx), update); err != nil {
		b.logger.Error("failed to record dispatch outcome",
			zap.String("entryId", stored.ID),
			zap.String("status", update.Status.String()),
			zap.String("providerMessageId", update.ProviderMessageID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to record outcome of %s: %w", stored.ID, err)
	}

	b.add(domain.RecipientResult{
		RecipientID:       rcp.ID,
		EntryID:           stored.ID,
		Status:            update.Status,
		ProviderMessageID: update.ProviderMessageID,
		Error:             update.Error,
	})
	return nil
}

// recordIneligible closes the entry of a recipient that cannot be contacted.
func (b *batch) recordIneligible(ctx context.Context, entry *domain.OutboxEntry, rcp domain.Recipient) error {
	update := repository.OutcomeUpdate{
		EntryID:    entry.ID,
		Channel:    entry.Channel,
		Status:     domain.OutboxStatusSkipped,
		SkipReason: rcp.SkipReason,
	}
	if !domain.ValidOutcome(entry.Channel, domain.OutboxStatusSkipped) {
		update.Status = domain.OutboxStatusFailed
		update.SkipReason = ""
		update.Error = "recipient is not eligible: " + rcp.SkipReason
	}

	if err := b.runner.ledger.RecordOutcome(ctx, update); err != nil {
		return fmt.Errorf("failed to record skipped recipient %s: %w", rcp.ID, err)
	}

	b.add(domain.RecipientResult{
		RecipientID: rcp.ID,
		EntryID:     entry.ID,
		Status:      update.Status,
		Error:       update.Error,
		SkipReason:  update.SkipReason,
	})
	return nil
}

// replayed reports an entry a previous attempt already finished. The stored
// status counts toward the job result so a retried batch keeps its earlier
// failures; no provider is called.
func (b *batch) replayed(entry *domain.OutboxEntry, rcp domain.Recipient) {
	rr := domain.RecipientResult{
		RecipientID: rcp.ID,
		EntryID:     entry.ID,
		Status:      entry.Status,
		SkipReason:  domain.SkipReasonIdempotentReplay,
	}
	if entry.ProviderMessageID != nil {
		rr.ProviderMessageID = *entry.ProviderMessageID
	}
	if entry.Error != nil {
		rr.Error = *entry.Error
	}
	b.result.Add(rr)
}

func (b *batch) runPaused(ctx context.Context) (bool, error) {
	if b.runner.runs == nil {
		return false, nil
	}
	run, err := b.runner.runs.GetByID(ctx, b.job.RunID)
	if err != nil {
		return false, fmt.Errorf("failed to load run %s: %w", b.job.RunID, err)
	}
	return run.Paused, nil
}

func (b *batch) add(rr domain.RecipientResult) {
	b.result.Add(rr)
	b.runner.metrics.IncDispatch(b.channel.Channel().String(), rr.Status.String())
}
