package service

import (
	"context"
	"sync"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/audit"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
)

type fakeJobRepo struct {
	enqueueFn      func(ctx context.Context, jobs []*domain.Job) error
	claimJobsFn    func(ctx context.Context, workerID string, limit int) ([]domain.Job, error)
	completeJobFn  func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error)
	deferJobFn     func(ctx context.Context, jobID string, until time.Time, reason string) error
	getByIDFn      func(ctx context.Context, id string) (*domain.Job, error)
	listByRunFn    func(ctx context.Context, runID string) ([]domain.Job, error)
	statsFn        func(ctx context.Context) (repository.QueueStats, error)
	countByRunFn   func(ctx context.Context, runID string) (repository.QueueStats, error)
	releaseStuckFn func(ctx context.Context, claimedBefore time.Time, limit int) ([]repository.ReleasedJob, error)
}

func (f *fakeJobRepo) Enqueue(ctx context.Context, jobs []*domain.Job) error {
	if f.enqueueFn != nil {
		return f.enqueueFn(ctx, jobs)
	}
	return nil
}

func (f *fakeJobRepo) ClaimJobs(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
	if f.claimJobsFn != nil {
		return f.claimJobsFn(ctx, workerID, limit)
	}
	return nil, nil
}

func (f *fakeJobRepo) CompleteJob(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
	if f.completeJobFn != nil {
		return f.completeJobFn(ctx, jobID, result, jobErr)
	}
	return &domain.Job{ID: jobID, Status: domain.JobStatusCompleted}, nil
}

func (f *fakeJobRepo) DeferJob(ctx context.Context, jobID string, until time.Time, reason string) error {
	if f.deferJobFn != nil {
		return f.deferJobFn(ctx, jobID, until, reason)
	}
	return nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeJobRepo) ListByRun(ctx context.Context, runID string) ([]domain.Job, error) {
	if f.listByRunFn != nil {
		return f.listByRunFn(ctx, runID)
	}
	return nil, nil
}

func (f *fakeJobRepo) Stats(ctx context.Context) (repository.QueueStats, error) {
	if f.statsFn != nil {
		return f.statsFn(ctx)
	}
	return repository.QueueStats{}, nil
}

func (f *fakeJobRepo) CountByRun(ctx context.Context, runID string) (repository.QueueStats, error) {
	if f.countByRunFn != nil {
		return f.countByRunFn(ctx, runID)
	}
	return repository.QueueStats{}, nil
}

func (f *fakeJobRepo) ReleaseStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]repository.ReleasedJob, error) {
	if f.releaseStuckFn != nil {
		return f.releaseStuckFn(ctx, claimedBefore, limit)
	}
	return nil, nil
}

var _ repository.JobRepository = (*fakeJobRepo)(nil)

type fakeRunRepo struct {
	createFn          func(ctx context.Context, run *domain.Run, jobs []*domain.Job) error
	getByIDFn         func(ctx context.Context, id string) (*domain.Run, error)
	markRunningFn     func(ctx context.Context, id string) (bool, error)
	setPausedFn       func(ctx context.Context, id string, paused bool) (*domain.Run, error)
	reconcileFn       func(ctx context.Context, id string) (*repository.ReconcileResult, error)
	listUnfinalizedFn func(ctx context.Context, limit int) ([]string, error)
	addJobsFn         func(ctx context.Context, runID string, jobs []*domain.Job) error
}

func (f *fakeRunRepo) Create(ctx context.Context, run *domain.Run, jobs []*domain.Job) error {
	if f.createFn != nil {
		return f.createFn(ctx, run, jobs)
	}
	return nil
}

func (f *fakeRunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRunRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	if f.markRunningFn != nil {
		return f.markRunningFn(ctx, id)
	}
	return false, nil
}

func (f *fakeRunRepo) SetPaused(ctx context.Context, id string, paused bool) (*domain.Run, error) {
	if f.setPausedFn != nil {
		return f.setPausedFn(ctx, id, paused)
	}
	return &domain.Run{ID: id, Paused: paused}, nil
}

func (f *fakeRunRepo) Reconcile(ctx context.Context, id string) (*repository.ReconcileResult, error) {
	if f.reconcileFn != nil {
		return f.reconcileFn(ctx, id)
	}
	return &repository.ReconcileResult{Run: &domain.Run{ID: id}}, nil
}

func (f *fakeRunRepo) ListUnfinalized(ctx context.Context, limit int) ([]string, error) {
	if f.listUnfinalizedFn != nil {
		return f.listUnfinalizedFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeRunRepo) AddJobs(ctx context.Context, runID string, jobs []*domain.Job) error {
	if f.addJobsFn != nil {
		return f.addJobsFn(ctx, runID, jobs)
	}
	return nil
}

var _ repository.RunRepository = (*fakeRunRepo)(nil)

type fakeOutboxRepo struct {
	reserveFn          func(ctx context.Context, entry *domain.OutboxEntry) (*domain.OutboxEntry, bool, error)
	pauseRunFn         func(ctx context.Context, runID string) (int64, error)
	resumeRunFn        func(ctx context.Context, runID string) (map[domain.Channel]int64, error)
	listFn             func(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEntry, int64, error)
	countByRunStatusFn func(ctx context.Context, runID string) ([]repository.StatusCount, error)
	failStaleFn        func(ctx context.Context, olderThan time.Duration, limit int) (int64, error)
}

func (f *fakeOutboxRepo) Reserve(ctx context.Context, entry *domain.OutboxEntry) (*domain.OutboxEntry, bool, error) {
	if f.reserveFn != nil {
		return f.reserveFn(ctx, entry)
	}
	return entry, true, nil
}

func (f *fakeOutboxRepo) BeginDispatch(ctx context.Context, entryID string) (bool, error) {
	return true, nil
}

func (f *fakeOutboxRepo) Park(ctx context.Context, entryID string) (bool, error) {
	return true, nil
}

func (f *fakeOutboxRepo) RecordOutcome(ctx context.Context, update repository.OutcomeUpdate) error {
	return nil
}

func (f *fakeOutboxRepo) GetByID(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeOutboxRepo) PauseRun(ctx context.Context, runID string) (int64, error) {
	if f.pauseRunFn != nil {
		return f.pauseRunFn(ctx, runID)
	}
	return 0, nil
}

func (f *fakeOutboxRepo) ResumeRun(ctx context.Context, runID string) (map[domain.Channel]int64, error) {
	if f.resumeRunFn != nil {
		return f.resumeRunFn(ctx, runID)
	}
	return map[domain.Channel]int64{}, nil
}

func (f *fakeOutboxRepo) ListQueuedByRun(ctx context.Context, runID string, channel domain.Channel, limit int) ([]domain.OutboxEntry, error) {
	return nil, nil
}

func (f *fakeOutboxRepo) List(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEntry, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeOutboxRepo) CountByRunStatus(ctx context.Context, runID string) ([]repository.StatusCount, error) {
	if f.countByRunStatusFn != nil {
		return f.countByRunStatusFn(ctx, runID)
	}
	return nil, nil
}

func (f *fakeOutboxRepo) FailStaleSending(ctx context.Context, olderThan time.Duration, limit int) (int64, error) {
	if f.failStaleFn != nil {
		return f.failStaleFn(ctx, olderThan, limit)
	}
	return 0, nil
}

var _ repository.OutboxRepository = (*fakeOutboxRepo)(nil)

type fakeProcessor struct {
	processFn func(ctx context.Context, job *domain.Job) (*domain.JobResult, error)
}

func (f *fakeProcessor) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	if f.processFn != nil {
		return f.processFn(ctx, job)
	}
	return domain.NewJobResult(), nil
}

type fakeTriggers struct {
	mu   sync.Mutex
	msgs []queue.TriggerMessage
	err  error
}

func (f *fakeTriggers) PublishTrigger(ctx context.Context, msg queue.TriggerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTriggers) published() []queue.TriggerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.TriggerMessage(nil), f.msgs...)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.TriggerHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.TriggerHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

// auditLog is an audit store that records what was emitted.
type auditLog struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *auditLog) Create(ctx context.Context, event *domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *event)
	return nil
}

func (a *auditLog) types() []domain.AuditEventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditEventType, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

func (a *auditLog) find(eventType domain.AuditEventType) (domain.AuditEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return domain.AuditEvent{}, false
}

func (a *auditLog) emitter() *audit.Emitter {
	return audit.NewEmitter(a, nil, nil)
}

func hasEvent(types []domain.AuditEventType, want domain.AuditEventType) bool {
	for _, got := range types {
		if got == want {
			return true
		}
	}
	return false
}
