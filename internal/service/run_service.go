package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/audit"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// RunService owns run lifecycle transitions after launch: reconcile, pause
// and resume.
type RunService struct {
	runs        repository.RunRepository
	jobs        repository.JobRepository
	outbox      repository.OutboxRepository
	audit       *audit.Emitter
	triggers    queue.TriggerPublisher
	metrics     *observability.Metrics
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewRunService(
	runs repository.RunRepository,
	jobs repository.JobRepository,
	outbox repository.OutboxRepository,
	emitter *audit.Emitter,
	triggers queue.TriggerPublisher,
	maxAttempts int,
	logger *zap.Logger,
) *RunService {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RunService{
		runs:        runs,
		jobs:        jobs,
		outbox:      outbox,
		audit:       emitter,
		triggers:    triggers,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (s *RunService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Reconcile finalizes the run when every job is terminal. It is safe to call
// from any number of workers.
func (s *RunService) Reconcile(ctx context.Context, runID string) (*repository.ReconcileResult, error) {
	res, err := s.runs.Reconcile(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile run %s: %w", runID, err)
	}
	if !res.Finalized {
		return res, nil
	}

	run := res.Run
	s.metrics.IncRunFinalized(run.Status.String())
	observability.WithContextLogger(s.logger, ctx).Info("run finalized",
		zap.String("runId", run.ID),
		zap.String("status", run.Status.String()),
		zap.Int("jobs", res.Aggregate.Jobs),
		zap.Int("sent", res.Aggregate.Sent),
		zap.Int("failedDispatches", res.Aggregate.FailedDispatches),
	)

	data := map[string]any{
		"jobs":             res.Aggregate.Jobs,
		"succeeded":        res.Aggregate.Succeeded,
		"partial":          res.Aggregate.Partial,
		"failed":           res.Aggregate.Failed,
		"sent":             res.Aggregate.Sent,
		"dispatchesFailed": res.Aggregate.FailedDispatches,
	}
	message := "run " + run.Status.String()
	if summary := res.Aggregate.Summary(); summary != "" {
		message += ": " + summary
	}
	s.audit.Emit(ctx, audit.RunEvent(run, domain.RunTerminalEvent(run.Status), message, data))

	return res, nil
}

type PauseResult struct {
	Run           *domain.Run `json:"run"`
	ParkedEntries int64       `json:"parkedEntries"`
}

// Pause stops a run: no job of it is claimed and its queued outbox entries
// are parked. Calls already in flight complete.
func (s *RunService) Pause(ctx context.Context, runID string) (*PauseResult, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("%w: run id is required", domain.ErrValidation)
	}

	run, err := s.runs.SetPaused(ctx, runID, true)
	if err != nil {
		return nil, err
	}

	parked, err := s.outbox.PauseRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, audit.RunEvent(run, domain.AuditRunPaused,
		fmt.Sprintf("run paused, %d queued dispatches parked", parked),
		map[string]any{"parkedEntries": parked},
	))

	return &PauseResult{Run: run, ParkedEntries: parked}, nil
}

type ResumeResult struct {
	Run             *domain.Run              `json:"run"`
	RequeuedEntries map[domain.Channel]int64 `json:"requeuedEntries"`
	JobsCreated     int                      `json:"jobsCreated"`
}

// Resume re-queues parked entries and enqueues one resume job per channel
// that has any.
func (s *RunService) Resume(ctx context.Context, runID string) (*ResumeResult, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("%w: run id is required", domain.ErrValidation)
	}

	run, err := s.runs.SetPaused(ctx, runID, false)
	if err != nil {
		return nil, err
	}

	requeued, err := s.outbox.ResumeRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(requeued))
	for _, ch := range run.Channels {
		if requeued[ch] == 0 {
			continue
		}
		job, err := s.resumeJob(run, ch)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := s.runs.AddJobs(ctx, runID, jobs); err != nil {
		return nil, fmt.Errorf("failed to enqueue resume jobs: %w", err)
	}
	run.TotalJobs += len(jobs)

	s.audit.Emit(ctx, audit.RunEvent(run, domain.AuditRunResumed,
		fmt.Sprintf("run resumed, %d resume jobs enqueued", len(jobs)),
		map[string]any{"requeuedEntries": requeued, "jobsCreated": len(jobs)},
	))

	if len(jobs) > 0 {
		wake(ctx, s.triggers, s.logger, run, "resume")
	} else if _, err := s.Reconcile(ctx, runID); err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("failed to reconcile resumed run",
			zap.String("runId", runID),
			zap.Error(err),
		)
	}

	return &ResumeResult{Run: run, RequeuedEntries: requeued, JobsCreated: len(jobs)}, nil
}

func (s *RunService) resumeJob(run *domain.Run, channel domain.Channel) (*domain.Job, error) {
	target := domain.BatchTarget{
		CampaignID:     run.CampaignID,
		ContentVersion: run.ContentVersion,
		ScheduledSlot:  run.ScheduledSlot,
		Resume:         true,
	}

	var payload domain.JobPayload
	switch channel {
	case domain.ChannelEmail:
		payload = domain.EmailBatchPayload{BatchTarget: target}
	case domain.ChannelVoice:
		payload = domain.VoiceBatchPayload{BatchTarget: target}
	case domain.ChannelSocial:
		payload = domain.SocialBatchPayload{BatchTarget: target}
	default:
		return nil, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	return newJob(run, payload, s.maxAttempts, s.now()), nil
}

// RunReport is the reporting view of a run.
type RunReport struct {
	Run    *domain.Run              `json:"run"`
	Jobs   repository.QueueStats    `json:"jobs"`
	Outbox []repository.StatusCount `json:"outbox"`
}

func (s *RunService) Get(ctx context.Context, runID string) (*RunReport, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	jobs, err := s.jobs.CountByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count run jobs: %w", err)
	}

	counts, err := s.outbox.CountByRunStatus(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count run outbox: %w", err)
	}

	return &RunReport{Run: run, Jobs: jobs, Outbox: counts}, nil
}

func (s *RunService) ListOutbox(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEntry, int64, error) {
	if _, err := s.runs.GetByID(ctx, params.RunID); err != nil {
		return nil, 0, err
	}
	return s.outbox.List(ctx, params)
}

func newJob(run *domain.Run, payload domain.JobPayload, maxAttempts int, now time.Time) *domain.Job {
	now = now.UTC()
	return &domain.Job{
		ID:          uuid.NewString(),
		TenantID:    run.TenantID,
		WorkspaceID: run.WorkspaceID,
		RunID:       run.ID,
		Type:        payload.JobType(),
		Payload:     payload,
		Status:      domain.JobStatusQueued,
		MaxAttempts: maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// wake nudges idle workers. The poll interval picks the jobs up regardless.
func wake(ctx context.Context, triggers queue.TriggerPublisher, logger *zap.Logger, run *domain.Run, reason string) {
	if triggers == nil {
		return
	}

	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.TriggerMessage{
		CorrelationID: correlationID,
		TenantID:      run.TenantID,
		RunID:         run.ID,
		Reason:        reason,
		RequestedAt:   time.Now().UTC(),
	}
	if err := triggers.PublishTrigger(ctx, msg); err != nil {
		observability.WithContextLogger(logger, ctx).Warn("failed to publish worker trigger",
			zap.String("runId", run.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
