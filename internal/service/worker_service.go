package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/audit"
	"github.com/kursadbilgin/campaign-engine/internal/dispatch"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	defaultBatchSize     = 5
	defaultPollInterval  = time.Minute
)

// JobProcessor runs one claimed job.
type JobProcessor interface {
	Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error)
}

type WorkerOptions struct {
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	// IDPrefix defaults to <host>-<pid>.
	IDPrefix string
}

// JobReport is the per-job outcome of a tick.
type JobReport struct {
	JobID         string            `json:"jobId"`
	RunID         string            `json:"runId"`
	Type          domain.JobType    `json:"type"`
	Status        domain.JobStatus  `json:"status"`
	Outcome       domain.JobOutcome `json:"outcome,omitempty"`
	Sent          int               `json:"sent"`
	Failed        int               `json:"failed"`
	Skipped       int               `json:"skipped"`
	Error         string            `json:"error,omitempty"`
	DeferredUntil *time.Time        `json:"deferredUntil,omitempty"`
}

type TickResult struct {
	WorkerID string                `json:"workerId"`
	Claimed  int                   `json:"claimed"`
	Results  []JobReport           `json:"results"`
	Stats    repository.QueueStats `json:"stats"`
}

// WorkerService polls the job table and runs claimed jobs. Each poller
// processes its batch sequentially; pollers run in parallel.
type WorkerService struct {
	jobs       repository.JobRepository
	runs       repository.RunRepository
	runService *RunService
	processor  JobProcessor
	audit      *audit.Emitter
	consumer   queue.Consumer
	logger     *zap.Logger
	metrics    *observability.Metrics

	concurrency  int
	batchSize    int
	pollInterval time.Duration
	idPrefix     string
	wake         chan struct{}
	now          func() time.Time
}

// NewWorkerService accepts a nil consumer; workers then rely on polling alone.
func NewWorkerService(
	jobs repository.JobRepository,
	runs repository.RunRepository,
	runService *RunService,
	processor JobProcessor,
	emitter *audit.Emitter,
	consumer queue.Consumer,
	opts WorkerOptions,
	logger *zap.Logger,
) (*WorkerService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if runs == nil || runService == nil {
		return nil, fmt.Errorf("run repository and service are required")
	}
	if processor == nil {
		return nil, fmt.Errorf("job processor is required")
	}
	if opts.Concurrency < minWorkerConcurrency {
		opts.Concurrency = minWorkerConcurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.IDPrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		opts.IDPrefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		jobs:         jobs,
		runs:         runs,
		runService:   runService,
		processor:    processor,
		audit:        emitter,
		consumer:     consumer,
		logger:       logger,
		concurrency:  opts.Concurrency,
		batchSize:    opts.BatchSize,
		pollInterval: opts.PollInterval,
		now:          time.Now,
		idPrefix:     opts.IDPrefix,
		wake:         make(chan struct{}, opts.Concurrency),
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// WorkerIDs returns the distinct ids of the pollers, <prefix>-<n>.
func (s *WorkerService) WorkerIDs() []string {
	ids := make([]string, 0, s.concurrency)
	for i := 1; i <= s.concurrency; i++ {
		ids = append(ids, fmt.Sprintf("%s-%d", s.idPrefix, i))
	}
	return ids
}

// Start runs the pollers, and the trigger consumer when configured, until
// ctx is cancelled.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, workerID := range s.WorkerIDs() {
		g.Go(func() error {
			s.logger.Info("worker started", zap.String("workerId", workerID))
			s.poll(groupCtx, workerID)
			s.logger.Info("worker stopped", zap.String("workerId", workerID))
			return nil
		})
	}

	if s.consumer != nil {
		g.Go(func() error {
			if err := s.consumer.Consume(groupCtx, queue.TriggerQueue, s.handleTrigger); err != nil {
				s.logger.Error("trigger consumer stopped with error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// Wake asks every idle poller to tick now.
func (s *WorkerService) Wake() {
	for i := 0; i < s.concurrency; i++ {
		select {
		case s.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (s *WorkerService) handleTrigger(ctx context.Context, msg queue.TriggerMessage) error {
	s.logger.Debug("worker trigger received",
		zap.String("reason", msg.Reason),
		zap.String("runId", msg.RunID),
	)
	s.Wake()
	return nil
}

func (s *WorkerService) poll(ctx context.Context, workerID string) {
	s.drain(ctx, workerID)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.drain(ctx, workerID)
	}
}

// drain ticks until a claim comes back short of a full batch.
func (s *WorkerService) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		res, err := s.Tick(ctx, workerID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("worker tick failed", zap.String("workerId", workerID), zap.Error(err))
			}
			return
		}
		if res.Claimed < s.batchSize {
			return
		}
	}
}

// Tick claims up to one batch of due jobs for workerID and processes them in
// order.
func (s *WorkerService) Tick(ctx context.Context, workerID string) (*TickResult, error) {
	claimed, err := s.jobs.ClaimJobs(ctx, workerID, s.batchSize)
	if err != nil {
		return nil, err
	}
	s.metrics.AddJobsClaimed(workerID, len(claimed))

	res := &TickResult{WorkerID: workerID, Claimed: len(claimed), Results: make([]JobReport, 0, len(claimed))}
	if len(claimed) > 0 {
		s.emitTick(ctx, workerID, claimed)
	}

	for i := range claimed {
		if ctx.Err() != nil {
			// Claims not started yet go back without costing an attempt.
			res.Results = append(res.Results, s.handBack(ctx, workerID, &claimed[i]))
			continue
		}
		res.Results = append(res.Results, s.processJob(ctx, workerID, &claimed[i]))
	}

	stats, err := s.jobs.Stats(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Warn("failed to load queue stats", zap.Error(err))
	}
	res.Stats = stats

	return res, nil
}

func (s *WorkerService) processJob(ctx context.Context, workerID string, job *domain.Job) JobReport {
	ctx = observability.WithScope(ctx, observability.Scope{
		TenantID:    job.TenantID,
		WorkspaceID: job.WorkspaceID,
		RunID:       job.RunID,
		JobID:       job.ID,
		WorkerID:    workerID,
	})
	logger := observability.WithContextLogger(s.logger, ctx)

	jobType := job.Type.String()
	s.metrics.IncWorkerInFlight(jobType)
	defer s.metrics.DecWorkerInFlight(jobType)

	s.markRunning(ctx, job)
	s.audit.Emit(ctx, audit.JobEvent(job, domain.AuditJobClaimed, "job claimed by "+workerID, nil))

	report := JobReport{JobID: job.ID, RunID: job.RunID, Type: job.Type}

	result, procErr := s.process(ctx, job)

	var deferErr *dispatch.DeferError
	if errors.As(procErr, &deferErr) {
		return s.deferJob(ctx, logger, job, report, deferErr.Until, deferErr.Reason)
	}
	if procErr != nil && ctx.Err() != nil && !domain.IsConfigurationError(procErr) {
		// Interrupted by shutdown; drivers do not always wrap the context
		// error. Entries already sent stay recorded and the rest are picked
		// up by the next claim.
		return s.deferJob(ctx, logger, job, report, s.now(), shutdownReason)
	}

	completed, err := s.jobs.CompleteJob(context.WithoutCancel(ctx), job.ID, result, procErr)
	if err != nil {
		logger.Error("failed to complete job", zap.Error(err))
		report.Status = domain.JobStatusClaimed
		report.Error = err.Error()
		return report
	}

	report.Status = completed.Status
	if completed.Outcome != nil {
		report.Outcome = *completed.Outcome
	}
	report.Sent, report.Failed, report.Skipped = completed.SentCount, completed.FailedCount, completed.SkippedCount
	if procErr != nil {
		report.Error = procErr.Error()
	}

	s.recordCompletion(ctx, logger, completed, procErr)

	if _, err := s.runService.Reconcile(context.WithoutCancel(ctx), job.RunID); err != nil {
		logger.Warn("failed to reconcile run", zap.Error(err))
	}

	return report
}

const shutdownReason = "worker shutting down"

// handBack returns a claimed job that was never started.
func (s *WorkerService) handBack(ctx context.Context, workerID string, job *domain.Job) JobReport {
	logger := observability.WithContextLogger(s.logger, observability.WithScope(ctx, observability.Scope{
		RunID:    job.RunID,
		JobID:    job.ID,
		WorkerID: workerID,
	}))
	report := JobReport{JobID: job.ID, RunID: job.RunID, Type: job.Type}
	return s.deferJob(ctx, logger, job, report, s.now(), shutdownReason)
}

// deferJob hands job back for a later attempt at until without charging the
// attempt. Storage writes must land even when shutdown cancelled ctx.
func (s *WorkerService) deferJob(ctx context.Context, logger *zap.Logger, job *domain.Job, report JobReport, until time.Time, reason string) JobReport {
	ctx = context.WithoutCancel(ctx)
	if err := s.jobs.DeferJob(ctx, job.ID, until, reason); err != nil {
		logger.Error("failed to defer job", zap.Error(err))
		report.Status = domain.JobStatusClaimed
		report.Error = err.Error()
		return report
	}

	report.Status = domain.JobStatusFailed
	report.Error = reason
	report.DeferredUntil = &until
	logger.Info("job deferred", zap.Time("until", until), zap.String("reason", reason))
	s.audit.Emit(ctx, audit.JobEvent(job, domain.AuditJobDeferred, "job deferred: "+reason,
		map[string]any{"until": until.UTC().Format(time.RFC3339)}))
	return report
}

// process runs the job and turns a panic into a job error.
func (s *WorkerService) process(ctx context.Context, job *domain.Job) (result *domain.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.WithContextLogger(s.logger, ctx).Error("job panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("panic while processing job: %v", r)
		}
	}()
	return s.processor.Process(ctx, job)
}

func (s *WorkerService) markRunning(ctx context.Context, job *domain.Job) {
	started, err := s.runs.MarkRunning(ctx, job.RunID)
	if err != nil {
		observability.WithContextLogger(s.logger, ctx).Warn("failed to mark run running", zap.Error(err))
		return
	}
	if !started {
		return
	}

	run, err := s.runs.GetByID(ctx, job.RunID)
	if err != nil {
		return
	}
	s.audit.Emit(ctx, audit.RunEvent(run, domain.AuditRunStarted, "run started", nil))
}

func (s *WorkerService) recordCompletion(ctx context.Context, logger *zap.Logger, job *domain.Job, procErr error) {
	data := map[string]any{
		"sent":    job.SentCount,
		"failed":  job.FailedCount,
		"skipped": job.SkippedCount,
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		outcome := ""
		if job.Outcome != nil {
			outcome = job.Outcome.String()
		}
		data["outcome"] = outcome
		s.metrics.IncJobCompleted(job.Type.String(), outcome)
		logger.Info("job completed",
			zap.String("outcome", outcome),
			zap.Int("sent", job.SentCount),
			zap.Int("failed", job.FailedCount),
			zap.Int("skipped", job.SkippedCount),
		)
		s.audit.Emit(ctx, audit.JobEvent(job, domain.AuditJobCompleted, "job completed: "+outcome, data))
	case domain.JobStatusDead:
		s.metrics.IncJobCompleted(job.Type.String(), string(domain.JobStatusDead))
		logger.Error("job dead", zap.Int("attempts", job.Attempts), zap.Error(procErr))
		s.audit.Emit(ctx, audit.JobEvent(job, domain.AuditJobDead, errorText(procErr), data))
	default:
		s.metrics.IncJobCompleted(job.Type.String(), string(domain.JobStatusFailed))
		logger.Warn("job failed, will retry", zap.Int("attempts", job.Attempts), zap.Error(procErr))
		s.audit.Emit(ctx, audit.JobEvent(job, domain.AuditJobFailed, errorText(procErr), data))
	}
}

func (s *WorkerService) emitTick(ctx context.Context, workerID string, claimed []domain.Job) {
	perTenant := make(map[string]int)
	for _, job := range claimed {
		perTenant[job.TenantID]++
	}
	for tenantID, n := range perTenant {
		s.audit.Emit(ctx, domain.AuditEvent{
			TenantID: tenantID,
			Type:     domain.AuditTick,
			Message:  fmt.Sprintf("worker %s claimed %d jobs", workerID, n),
			Data:     map[string]any{"workerId": workerID, "claimed": n},
		})
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
