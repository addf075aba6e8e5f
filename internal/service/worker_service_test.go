package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/dispatch"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

func claimedJob(id string) domain.Job {
	return domain.Job{
		ID:          id,
		TenantID:    "t1",
		WorkspaceID: "w1",
		RunID:       "run-1",
		Type:        domain.JobTypeEmailBatch,
		Status:      domain.JobStatusClaimed,
		Attempts:    1,
		MaxAttempts: 3,
	}
}

func claimOnce(jobs ...domain.Job) func(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
	var done atomic.Bool
	return func(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
		if done.Swap(true) {
			return nil, nil
		}
		return jobs, nil
	}
}

func newTestWorker(t *testing.T, jobs *fakeJobRepo, runs *fakeRunRepo, processor JobProcessor, log *auditLog, opts WorkerOptions) *WorkerService {
	t.Helper()

	emitter := log.emitter()
	runService := NewRunService(runs, jobs, &fakeOutboxRepo{}, emitter, nil, 3, zap.NewNop())
	if opts.IDPrefix == "" {
		opts.IDPrefix = "test"
	}
	worker, err := NewWorkerService(jobs, runs, runService, processor, emitter, nil, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	return worker
}

func TestWorkerServiceTickCompletesAndReconciles(t *testing.T) {
	t.Parallel()

	var gotResult *domain.JobResult
	var reconciled string
	jobs := &fakeJobRepo{
		claimJobsFn: claimOnce(claimedJob("job-1")),
		completeJobFn: func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
			if jobErr != nil {
				t.Fatalf("unexpected job error: %v", jobErr)
			}
			gotResult = result
			outcome := domain.JobOutcomePartial
			job := claimedJob(jobID)
			job.Status = domain.JobStatusCompleted
			job.Outcome = &outcome
			job.SentCount, job.FailedCount = 2, 1
			return &job, nil
		},
		statsFn: func(ctx context.Context) (repository.QueueStats, error) {
			return repository.QueueStats{Completed: 1}, nil
		},
	}
	runs := &fakeRunRepo{
		markRunningFn: func(ctx context.Context, id string) (bool, error) { return true, nil },
		getByIDFn: func(ctx context.Context, id string) (*domain.Run, error) {
			return &domain.Run{ID: id, TenantID: "t1", WorkspaceID: "w1", Status: domain.RunStatusRunning}, nil
		},
		reconcileFn: func(ctx context.Context, id string) (*repository.ReconcileResult, error) {
			reconciled = id
			return &repository.ReconcileResult{
				Run:       &domain.Run{ID: id, TenantID: "t1", WorkspaceID: "w1", Status: domain.RunStatusPartial},
				Aggregate: domain.RunAggregate{Done: true, Status: domain.RunStatusPartial, Jobs: 1, Partial: 1, Sent: 2},
				Finalized: true,
			}, nil
		},
	}
	processor := &fakeProcessor{
		processFn: func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
			res := domain.NewJobResult()
			res.Add(domain.RecipientResult{RecipientID: "l1", Status: domain.OutboxStatusSent})
			res.Add(domain.RecipientResult{RecipientID: "l2", Status: domain.OutboxStatusSent})
			res.Add(domain.RecipientResult{RecipientID: "l3", Status: domain.OutboxStatusFailed})
			return res, nil
		},
	}
	log := &auditLog{}

	worker := newTestWorker(t, jobs, runs, processor, log, WorkerOptions{})
	res, err := worker.Tick(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if res.Claimed != 1 || len(res.Results) != 1 {
		t.Fatalf("claimed = %d results = %d, want 1/1", res.Claimed, len(res.Results))
	}
	report := res.Results[0]
	if report.Status != domain.JobStatusCompleted || report.Outcome != domain.JobOutcomePartial {
		t.Fatalf("report = %+v, want completed/partial", report)
	}
	if report.Sent != 2 || report.Failed != 1 {
		t.Fatalf("report counts = %d/%d, want 2/1", report.Sent, report.Failed)
	}
	if gotResult == nil || gotResult.Sent != 2 {
		t.Fatalf("job result not handed to CompleteJob: %+v", gotResult)
	}
	if reconciled != "run-1" {
		t.Fatalf("reconciled run = %q, want run-1", reconciled)
	}
	if res.Stats.Completed != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}

	types := log.types()
	for _, want := range []domain.AuditEventType{
		domain.AuditTick,
		domain.AuditRunStarted,
		domain.AuditJobClaimed,
		domain.AuditJobCompleted,
		domain.AuditRunPartial,
	} {
		if !hasEvent(types, want) {
			t.Fatalf("audit events %v missing %s", types, want)
		}
	}
}

func TestWorkerServiceTickDefersRateLimitedJob(t *testing.T) {
	t.Parallel()

	until := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	var deferredUntil time.Time
	var reconciled atomic.Bool
	jobs := &fakeJobRepo{
		claimJobsFn: claimOnce(claimedJob("job-1")),
		completeJobFn: func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
			t.Fatal("deferred job must not be completed")
			return nil, nil
		},
		deferJobFn: func(ctx context.Context, jobID string, u time.Time, reason string) error {
			deferredUntil = u
			if !strings.Contains(reason, "hourly") {
				t.Fatalf("reason = %q", reason)
			}
			return nil
		},
	}
	runs := &fakeRunRepo{
		reconcileFn: func(ctx context.Context, id string) (*repository.ReconcileResult, error) {
			reconciled.Store(true)
			return &repository.ReconcileResult{Run: &domain.Run{ID: id}}, nil
		},
	}
	processor := &fakeProcessor{
		processFn: func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
			return nil, &dispatch.DeferError{Until: until, Reason: "hourly email limit reached"}
		},
	}
	log := &auditLog{}

	worker := newTestWorker(t, jobs, runs, processor, log, WorkerOptions{})
	res, err := worker.Tick(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if !deferredUntil.Equal(until) {
		t.Fatalf("deferred until %v, want %v", deferredUntil, until)
	}
	report := res.Results[0]
	if report.DeferredUntil == nil || !report.DeferredUntil.Equal(until) {
		t.Fatalf("report deferred until = %v", report.DeferredUntil)
	}
	if reconciled.Load() {
		t.Fatal("a deferred job leaves the run open; no reconcile expected")
	}
	if _, ok := log.find(domain.AuditJobDeferred); !ok {
		t.Fatalf("expected job.deferred event, got %v", log.types())
	}
}

func TestWorkerServiceTickRecoversPanic(t *testing.T) {
	t.Parallel()

	var gotErr error
	jobs := &fakeJobRepo{
		claimJobsFn: claimOnce(claimedJob("job-1")),
		completeJobFn: func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
			gotErr = jobErr
			job := claimedJob(jobID)
			job.Status = domain.JobStatusFailed
			return &job, nil
		},
	}
	processor := &fakeProcessor{
		processFn: func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
			panic("boom")
		},
	}
	log := &auditLog{}

	worker := newTestWorker(t, jobs, &fakeRunRepo{}, processor, log, WorkerOptions{})
	res, err := worker.Tick(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if gotErr == nil || !strings.Contains(gotErr.Error(), "boom") {
		t.Fatalf("CompleteJob error = %v, want panic error", gotErr)
	}
	if res.Results[0].Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", res.Results[0].Status)
	}
	event, ok := log.find(domain.AuditJobFailed)
	if !ok || !strings.Contains(event.Message, "panic") {
		t.Fatalf("expected job.failed event mentioning the panic, got %+v", log.types())
	}
}

func TestWorkerServiceTickConfigurationErrorIsDead(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobRepo{
		claimJobsFn: claimOnce(claimedJob("job-1")),
		completeJobFn: func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
			if !domain.IsConfigurationError(jobErr) {
				t.Fatalf("job error = %v, want configuration error", jobErr)
			}
			job := claimedJob(jobID)
			job.Status = domain.JobStatusDead
			return &job, nil
		},
	}
	processor := &fakeProcessor{
		processFn: func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
			return nil, &domain.ConfigurationError{Channel: domain.ChannelEmail, Missing: []string{"sender email"}}
		},
	}
	log := &auditLog{}

	worker := newTestWorker(t, jobs, &fakeRunRepo{}, processor, log, WorkerOptions{})
	res, err := worker.Tick(context.Background(), "test-1")
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	report := res.Results[0]
	if report.Status != domain.JobStatusDead {
		t.Fatalf("status = %s, want dead", report.Status)
	}
	if !strings.Contains(report.Error, "sender email") {
		t.Fatalf("report error = %q", report.Error)
	}
	if _, ok := log.find(domain.AuditJobDead); !ok {
		t.Fatalf("expected job.dead event, got %v", log.types())
	}
}

func TestWorkerServiceTickClaimError(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("connection refused")
	jobs := &fakeJobRepo{
		claimJobsFn: func(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
			return nil, dbErr
		},
	}

	worker := newTestWorker(t, jobs, &fakeRunRepo{}, &fakeProcessor{}, &auditLog{}, WorkerOptions{})
	if _, err := worker.Tick(context.Background(), "test-1"); !errors.Is(err, dbErr) {
		t.Fatalf("Tick() error = %v, want %v", err, dbErr)
	}
}

func TestWorkerServiceDrainStopsOnShortBatch(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	jobs := &fakeJobRepo{
		claimJobsFn: func(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
			switch calls.Add(1) {
			case 1:
				return []domain.Job{claimedJob("a"), claimedJob("b")}, nil
			case 2:
				return []domain.Job{claimedJob("c")}, nil
			}
			return nil, nil
		},
	}

	worker := newTestWorker(t, jobs, &fakeRunRepo{}, &fakeProcessor{}, &auditLog{}, WorkerOptions{BatchSize: 2})
	worker.drain(context.Background(), "test-1")

	if got := calls.Load(); got != 2 {
		t.Fatalf("claim calls = %d, want 2", got)
	}
}

func TestWorkerServiceWorkerIDs(t *testing.T) {
	t.Parallel()

	worker := newTestWorker(t, &fakeJobRepo{}, &fakeRunRepo{}, &fakeProcessor{}, &auditLog{}, WorkerOptions{Concurrency: 3, IDPrefix: "host-42"})

	ids := worker.WorkerIDs()
	want := []string{"host-42-1", "host-42-2", "host-42-3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestNewWorkerServiceRequiresDependencies(t *testing.T) {
	t.Parallel()

	runs := &fakeRunRepo{}
	runService := NewRunService(runs, &fakeJobRepo{}, &fakeOutboxRepo{}, nil, nil, 3, nil)

	tests := []struct {
		name      string
		jobs      repository.JobRepository
		processor JobProcessor
	}{
		{name: "missing jobs", processor: &fakeProcessor{}},
		{name: "missing processor", jobs: &fakeJobRepo{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewWorkerService(tt.jobs, runs, runService, tt.processor, nil, nil, WorkerOptions{}, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerServiceStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	jobs := &fakeJobRepo{
		claimJobsFn: func(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
			calls.Add(1)
			return nil, nil
		},
	}
	worker := newTestWorker(t, jobs, &fakeRunRepo{}, &fakeProcessor{}, &auditLog{}, WorkerOptions{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	waitFor(t, func() bool { return calls.Load() >= 4 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestWorkerServiceTriggerWakesPollers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	jobs := &fakeJobRepo{
		claimJobsFn: func(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
			calls.Add(1)
			return nil, nil
		},
	}
	runs := &fakeRunRepo{}
	emitter := (&auditLog{}).emitter()
	runService := NewRunService(runs, jobs, &fakeOutboxRepo{}, emitter, nil, 3, nil)

	triggered := make(chan struct{})
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.TriggerHandler) error {
			if queueName != queue.TriggerQueue {
				t.Errorf("queue = %q, want %q", queueName, queue.TriggerQueue)
			}
			<-triggered
			if err := handler(ctx, queue.TriggerMessage{RunID: "run-1", Reason: "launch"}); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	worker, err := NewWorkerService(jobs, runs, runService, &fakeProcessor{}, emitter, consumer, WorkerOptions{
		Concurrency:  2,
		PollInterval: time.Hour,
		IDPrefix:     "test",
	}, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Start(ctx) }()

	waitFor(t, func() bool { return calls.Load() >= 2 })
	close(triggered)
	waitFor(t, func() bool { return calls.Load() >= 4 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func TestWorkerServiceTickHandsBackClaimsOnShutdown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		deferred  []string
		processed []string
	)
	jobs := &fakeJobRepo{
		claimJobsFn: claimOnce(claimedJob("job-1"), claimedJob("job-2"), claimedJob("job-3")),
		completeJobFn: func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
			t.Fatalf("CompleteJob(%s) charged an attempt for an interrupted job", jobID)
			return nil, nil
		},
		deferJobFn: func(ctx context.Context, jobID string, until time.Time, reason string) error {
			if ctx.Err() != nil {
				t.Fatalf("DeferJob(%s) got a cancelled context", jobID)
			}
			if !until.Equal(now) || reason != shutdownReason {
				t.Fatalf("DeferJob(%s) = %v, %q", jobID, until, reason)
			}
			deferred = append(deferred, jobID)
			return nil
		},
	}
	processor := &fakeProcessor{
		processFn: func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
			processed = append(processed, job.ID)
			cancel()
			return nil, errors.New("failed to load email settings: context canceled")
		},
	}

	worker := newTestWorker(t, jobs, &fakeRunRepo{}, processor, &auditLog{}, WorkerOptions{})
	worker.now = func() time.Time { return now }

	res, err := worker.Tick(ctx, "test-1")
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(processed) != 1 || processed[0] != "job-1" {
		t.Fatalf("processed = %v, want only job-1", processed)
	}
	if strings.Join(deferred, ",") != "job-1,job-2,job-3" {
		t.Fatalf("deferred = %v, want every claimed job", deferred)
	}
	for _, report := range res.Results {
		if report.DeferredUntil == nil || report.Status != domain.JobStatusFailed {
			t.Fatalf("report = %+v, want deferred", report)
		}
	}
}

func TestWorkerServiceConfigurationErrorDuringShutdownIsDead(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var completedWith error
	jobs := &fakeJobRepo{
		claimJobsFn: claimOnce(claimedJob("job-1")),
		completeJobFn: func(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
			completedWith = jobErr
			return &domain.Job{ID: jobID, RunID: "run-1", Status: domain.JobStatusDead}, nil
		},
		deferJobFn: func(ctx context.Context, jobID string, until time.Time, reason string) error {
			t.Fatal("a configuration error must not be handed back")
			return nil
		},
	}
	processor := &fakeProcessor{
		processFn: func(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
			cancel()
			return nil, &domain.ConfigurationError{Channel: domain.ChannelEmail, Missing: []string{"sender email"}}
		},
	}

	worker := newTestWorker(t, jobs, &fakeRunRepo{}, processor, &auditLog{}, WorkerOptions{})
	if _, err := worker.Tick(ctx, "test-1"); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !domain.IsConfigurationError(completedWith) {
		t.Fatalf("CompleteJob error = %v, want configuration error", completedWith)
	}
}
