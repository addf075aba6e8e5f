package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/audit"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultStuckScanInterval     = 30 * time.Second
	defaultStuckJobTimeout       = 10 * time.Minute
	defaultReconcileScanInterval = time.Minute
	defaultScanLimit             = 100
)

// StuckJobScanner releases jobs whose worker stopped holding them and fails
// outbox entries abandoned mid-call.
type StuckJobScanner struct {
	jobs       repository.JobRepository
	outbox     repository.OutboxRepository
	runService *RunService
	audit      *audit.Emitter
	logger     *zap.Logger
	interval   time.Duration
	timeout    time.Duration
	limit      int
	now        func() time.Time
}

func NewStuckJobScanner(
	jobs repository.JobRepository,
	outbox repository.OutboxRepository,
	runService *RunService,
	emitter *audit.Emitter,
	interval time.Duration,
	timeout time.Duration,
	logger *zap.Logger,
) (*StuckJobScanner, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox repository is required")
	}
	if runService == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if interval <= 0 {
		interval = defaultStuckScanInterval
	}
	if timeout <= 0 {
		timeout = defaultStuckJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StuckJobScanner{
		jobs:       jobs,
		outbox:     outbox,
		runService: runService,
		audit:      emitter,
		logger:     logger,
		interval:   interval,
		timeout:    timeout,
		limit:      defaultScanLimit,
		now:        time.Now,
	}, nil
}

func (s *StuckJobScanner) Start(ctx context.Context) error {
	return runTicker(ctx, s.interval, s.logger, "stuck job scanner", s.scan)
}

func (s *StuckJobScanner) scan(ctx context.Context) error {
	released, err := s.jobs.ReleaseStuck(ctx, s.now().Add(-s.timeout), s.limit)
	if err != nil {
		return err
	}

	runs := make(map[string]struct{}, len(released))
	for _, job := range released {
		s.logger.Warn("released stuck job",
			zap.String("jobId", job.ID),
			zap.String("runId", job.RunID),
			zap.String("lockedBy", job.LockedBy),
			zap.String("status", job.Status.String()),
		)

		eventType := domain.AuditJobFailed
		if job.Status == domain.JobStatusDead {
			eventType = domain.AuditJobDead
		}
		runID, jobID := job.RunID, job.ID
		s.audit.Emit(ctx, domain.AuditEvent{
			TenantID:    job.TenantID,
			WorkspaceID: job.WorkspaceID,
			RunID:       &runID,
			JobID:       &jobID,
			Type:        eventType,
			Message:     fmt.Sprintf("claim by %s expired", job.LockedBy),
			Data:        map[string]any{"lockedBy": job.LockedBy},
		})
		runs[job.RunID] = struct{}{}
	}

	failed, err := s.outbox.FailStaleSending(ctx, s.timeout, s.limit)
	if err != nil {
		return err
	}
	if failed > 0 {
		s.logger.Warn("failed stale in-flight dispatches", zap.Int64("entries", failed))
	}

	for runID := range runs {
		if _, err := s.runService.Reconcile(ctx, runID); err != nil {
			s.logger.Warn("failed to reconcile run after release", zap.String("runId", runID), zap.Error(err))
		}
	}
	return nil
}

// ReconcileScanner finalizes runs whose last reconcile was missed, e.g. when
// a worker stopped between completing a job and reconciling its run.
type ReconcileScanner struct {
	runs       repository.RunRepository
	runService *RunService
	logger     *zap.Logger
	interval   time.Duration
	limit      int
}

func NewReconcileScanner(runs repository.RunRepository, runService *RunService, interval time.Duration, logger *zap.Logger) (*ReconcileScanner, error) {
	if runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if runService == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if interval <= 0 {
		interval = defaultReconcileScanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReconcileScanner{
		runs:       runs,
		runService: runService,
		logger:     logger,
		interval:   interval,
		limit:      defaultScanLimit,
	}, nil
}

func (s *ReconcileScanner) Start(ctx context.Context) error {
	return runTicker(ctx, s.interval, s.logger, "reconcile scanner", s.scan)
}

func (s *ReconcileScanner) scan(ctx context.Context) error {
	ids, err := s.runs.ListUnfinalized(ctx, s.limit)
	if err != nil {
		return fmt.Errorf("failed to list unfinalized runs: %w", err)
	}

	for _, id := range ids {
		if _, err := s.runService.Reconcile(ctx, id); err != nil {
			s.logger.Error("failed to reconcile run", zap.String("runId", id), zap.Error(err))
		}
	}
	return nil
}

// runTicker runs scan once immediately and then on every tick until ctx is
// cancelled.
func runTicker(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, scan func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := scan(ctx); err != nil && ctx.Err() == nil {
		logger.Error(name+" initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error(name+" scan failed", zap.Error(err))
			}
		}
	}
}
