package service

import (
	"context"
	"errors"
	"testing"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

func testRun() *domain.Run {
	return &domain.Run{
		ID:             "run-1",
		TenantID:       "t1",
		WorkspaceID:    "w1",
		CampaignID:     "c1",
		Channels:       []domain.Channel{domain.ChannelEmail, domain.ChannelSocial},
		Status:         domain.RunStatusRunning,
		TotalJobs:      2,
		ContentVersion: "v3",
		ScheduledSlot:  1_767_225_600,
	}
}

func TestRunServicePauseParksQueuedEntries(t *testing.T) {
	t.Parallel()

	var paused *bool
	runs := &fakeRunRepo{
		setPausedFn: func(ctx context.Context, id string, p bool) (*domain.Run, error) {
			paused = &p
			run := testRun()
			run.Paused = p
			return run, nil
		},
	}
	outbox := &fakeOutboxRepo{
		pauseRunFn: func(ctx context.Context, runID string) (int64, error) {
			return 7, nil
		},
	}
	log := &auditLog{}

	svc := NewRunService(runs, &fakeJobRepo{}, outbox, log.emitter(), nil, 3, zap.NewNop())
	res, err := svc.Pause(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	if paused == nil || !*paused {
		t.Fatal("run must be flagged paused")
	}
	if res.ParkedEntries != 7 || !res.Run.Paused {
		t.Fatalf("result = %+v", res)
	}
	event, ok := log.find(domain.AuditRunPaused)
	if !ok {
		t.Fatalf("expected run.paused event, got %v", log.types())
	}
	if event.Data["parkedEntries"] != int64(7) {
		t.Fatalf("event data = %v", event.Data)
	}
}

func TestRunServicePauseTerminalRunConflicts(t *testing.T) {
	t.Parallel()

	runs := &fakeRunRepo{
		setPausedFn: func(ctx context.Context, id string, p bool) (*domain.Run, error) {
			return nil, domain.ErrConflict
		},
	}
	outbox := &fakeOutboxRepo{
		pauseRunFn: func(ctx context.Context, runID string) (int64, error) {
			t.Fatal("outbox must not be touched for a terminal run")
			return 0, nil
		},
	}

	svc := NewRunService(runs, &fakeJobRepo{}, outbox, nil, nil, 3, nil)
	if _, err := svc.Pause(context.Background(), "run-1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Pause() error = %v, want conflict", err)
	}
}

func TestRunServicePauseRequiresRunID(t *testing.T) {
	t.Parallel()

	svc := NewRunService(&fakeRunRepo{}, &fakeJobRepo{}, &fakeOutboxRepo{}, nil, nil, 3, nil)
	if _, err := svc.Pause(context.Background(), " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Pause() error = %v, want validation error", err)
	}
}

func TestRunServiceResumeEnqueuesJobPerRequeuedChannel(t *testing.T) {
	t.Parallel()

	var added []*domain.Job
	runs := &fakeRunRepo{
		setPausedFn: func(ctx context.Context, id string, p bool) (*domain.Run, error) {
			if p {
				t.Fatal("resume must clear the paused flag")
			}
			return testRun(), nil
		},
		addJobsFn: func(ctx context.Context, runID string, jobs []*domain.Job) error {
			added = jobs
			return nil
		},
		reconcileFn: func(ctx context.Context, id string) (*repository.ReconcileResult, error) {
			t.Fatal("resume with new jobs must not reconcile")
			return nil, nil
		},
	}
	outbox := &fakeOutboxRepo{
		resumeRunFn: func(ctx context.Context, runID string) (map[domain.Channel]int64, error) {
			return map[domain.Channel]int64{domain.ChannelEmail: 4}, nil
		},
	}
	triggers := &fakeTriggers{}
	log := &auditLog{}

	svc := NewRunService(runs, &fakeJobRepo{}, outbox, log.emitter(), triggers, 5, zap.NewNop())
	res, err := svc.Resume(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if res.JobsCreated != 1 || len(added) != 1 {
		t.Fatalf("jobs created = %d added = %d, want 1", res.JobsCreated, len(added))
	}
	job := added[0]
	if job.Type != domain.JobTypeEmailBatch || job.MaxAttempts != 5 || job.Status != domain.JobStatusQueued {
		t.Fatalf("resume job = %+v", job)
	}
	payload, ok := job.Payload.(domain.EmailBatchPayload)
	if !ok {
		t.Fatalf("payload type = %T", job.Payload)
	}
	if !payload.Resume || payload.ContentVersion != "v3" || payload.ScheduledSlot != 1_767_225_600 {
		t.Fatalf("payload = %+v", payload)
	}
	if err := payload.Validate(); err != nil {
		t.Fatalf("resume payload must validate: %v", err)
	}
	if res.Run.TotalJobs != 3 {
		t.Fatalf("total jobs = %d, want 3", res.Run.TotalJobs)
	}

	msgs := triggers.published()
	if len(msgs) != 1 || msgs[0].RunID != "run-1" || msgs[0].Reason != "resume" {
		t.Fatalf("triggers = %+v", msgs)
	}
	if _, ok := log.find(domain.AuditRunResumed); !ok {
		t.Fatalf("expected run.resumed event, got %v", log.types())
	}
}

func TestRunServiceResumeWithNothingParkedReconciles(t *testing.T) {
	t.Parallel()

	var reconciled bool
	runs := &fakeRunRepo{
		setPausedFn: func(ctx context.Context, id string, p bool) (*domain.Run, error) {
			return testRun(), nil
		},
		reconcileFn: func(ctx context.Context, id string) (*repository.ReconcileResult, error) {
			reconciled = true
			return &repository.ReconcileResult{Run: testRun()}, nil
		},
	}
	triggers := &fakeTriggers{}

	svc := NewRunService(runs, &fakeJobRepo{}, &fakeOutboxRepo{}, nil, triggers, 3, nil)
	res, err := svc.Resume(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if res.JobsCreated != 0 {
		t.Fatalf("jobs created = %d, want 0", res.JobsCreated)
	}
	if !reconciled {
		t.Fatal("resume without parked entries must reconcile")
	}
	if len(triggers.published()) != 0 {
		t.Fatal("no trigger expected without new jobs")
	}
}

func TestRunServiceReconcileEmitsTerminalEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		finalized bool
		status    domain.RunStatus
		want      domain.AuditEventType
	}{
		{name: "completed", finalized: true, status: domain.RunStatusCompleted, want: domain.AuditRunCompleted},
		{name: "failed", finalized: true, status: domain.RunStatusFailed, want: domain.AuditRunFailed},
		{name: "still running", finalized: false, status: domain.RunStatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runs := &fakeRunRepo{
				reconcileFn: func(ctx context.Context, id string) (*repository.ReconcileResult, error) {
					run := testRun()
					run.Status = tt.status
					return &repository.ReconcileResult{
						Run:       run,
						Aggregate: domain.RunAggregate{Done: tt.finalized, Status: tt.status, Jobs: 2},
						Finalized: tt.finalized,
					}, nil
				},
			}
			log := &auditLog{}

			svc := NewRunService(runs, &fakeJobRepo{}, &fakeOutboxRepo{}, log.emitter(), nil, 3, nil)
			res, err := svc.Reconcile(context.Background(), "run-1")
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if res.Finalized != tt.finalized {
				t.Fatalf("finalized = %v", res.Finalized)
			}

			types := log.types()
			if !tt.finalized {
				if len(types) != 0 {
					t.Fatalf("unexpected events %v", types)
				}
				return
			}
			if len(types) != 1 || types[0] != tt.want {
				t.Fatalf("events = %v, want [%s]", types, tt.want)
			}
		})
	}
}

func TestRunServiceReconcileWrapsError(t *testing.T) {
	t.Parallel()

	runs := &fakeRunRepo{
		reconcileFn: func(ctx context.Context, id string) (*repository.ReconcileResult, error) {
			return nil, domain.ErrNotFound
		},
	}

	svc := NewRunService(runs, &fakeJobRepo{}, &fakeOutboxRepo{}, nil, nil, 3, nil)
	if _, err := svc.Reconcile(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Reconcile() error = %v, want not found", err)
	}
}

func TestRunServiceGetReport(t *testing.T) {
	t.Parallel()

	runs := &fakeRunRepo{
		getByIDFn: func(ctx context.Context, id string) (*domain.Run, error) {
			return testRun(), nil
		},
	}
	jobs := &fakeJobRepo{
		countByRunFn: func(ctx context.Context, runID string) (repository.QueueStats, error) {
			return repository.QueueStats{Completed: 2}, nil
		},
	}
	outbox := &fakeOutboxRepo{
		countByRunStatusFn: func(ctx context.Context, runID string) ([]repository.StatusCount, error) {
			return []repository.StatusCount{{Channel: domain.ChannelEmail, Status: domain.OutboxStatusSent, Count: 9}}, nil
		},
	}

	svc := NewRunService(runs, jobs, outbox, nil, nil, 3, nil)
	report, err := svc.Get(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if report.Run.ID != "run-1" || report.Jobs.Completed != 2 || len(report.Outbox) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRunServiceListOutboxUnknownRun(t *testing.T) {
	t.Parallel()

	outbox := &fakeOutboxRepo{
		listFn: func(ctx context.Context, params repository.OutboxListParams) ([]domain.OutboxEntry, int64, error) {
			t.Fatal("list must not run for an unknown run")
			return nil, 0, nil
		},
	}

	svc := NewRunService(&fakeRunRepo{}, &fakeJobRepo{}, outbox, nil, nil, 3, nil)
	_, _, err := svc.ListOutbox(context.Background(), repository.OutboxListParams{RunID: "nope"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ListOutbox() error = %v, want not found", err)
	}
}
