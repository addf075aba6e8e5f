package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReconcileResult reports what a reconcile pass observed and whether it wrote
// a terminal status.
type ReconcileResult struct {
	Run       *domain.Run
	Aggregate domain.RunAggregate
	Finalized bool
}

type RunRepository interface {
	Create(ctx context.Context, run *domain.Run, jobs []*domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Run, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	SetPaused(ctx context.Context, id string, paused bool) (*domain.Run, error)
	Reconcile(ctx context.Context, id string) (*ReconcileResult, error)
	ListUnfinalized(ctx context.Context, limit int) ([]string, error)
	AddJobs(ctx context.Context, runID string, jobs []*domain.Job) error
}

type GormRunRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormRunRepo(db *gorm.DB) *GormRunRepo {
	return &GormRunRepo{db: db, now: time.Now}
}

// Create stores the run and its initial jobs atomically.
func (r *GormRunRepo) Create(ctx context.Context, run *domain.Run, jobs []*domain.Job) error {
	if run == nil {
		return fmt.Errorf("%w: run is required", domain.ErrValidation)
	}
	if strings.TrimSpace(run.TenantID) == "" || strings.TrimSpace(run.WorkspaceID) == "" {
		return fmt.Errorf("%w: tenant and workspace are required", domain.ErrValidation)
	}
	if len(run.Channels) == 0 {
		return fmt.Errorf("%w: run needs at least one channel", domain.ErrValidation)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(runModelFromDomain(run)).Error; err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		return enqueueJobs(tx, jobs)
	})
}

func (r *GormRunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	var model RunModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return runModelToDomain(&model), nil
}

// MarkRunning moves a queued run to running. It reports false when another
// worker already did.
func (r *GormRunRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	now := r.now().UTC()
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ? AND status = ?", id, domain.RunStatusQueued).
		Updates(map[string]any{
			"status":     domain.RunStatusRunning,
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetPaused flips the paused flag of a non-terminal run.
func (r *GormRunRepo) SetPaused(ctx context.Context, id string, paused bool) (*domain.Run, error) {
	var updated *domain.Run
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RunModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is already %s", domain.ErrConflict, id, model.Status)
		}

		if model.Paused != paused {
			model.Paused = paused
			model.UpdatedAt = r.now().UTC()
			if err := tx.Model(&RunModel{}).
				Where("id = ?", id).
				Updates(map[string]any{"paused": paused, "updated_at": model.UpdatedAt}).Error; err != nil {
				return err
			}
		}

		updated = runModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reconcile is the only writer of terminal run status. The run row is locked
// for the duration so concurrent reconcilers serialize; a run that is already
// terminal or paused is returned unchanged.
func (r *GormRunRepo) Reconcile(ctx context.Context, id string) (*ReconcileResult, error) {
	var res *ReconcileResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model RunModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		res = &ReconcileResult{}
		if model.Status.IsTerminal() || model.Paused {
			res.Run = runModelToDomain(&model)
			return nil
		}

		var jobs []JobModel
		if err := tx.Select("status", "outcome", "sent_count", "failed_count", "attempts", "max_attempts", "last_error").
			Where("run_id = ?", id).
			Find(&jobs).Error; err != nil {
			return err
		}

		tallies := make([]domain.JobTally, 0, len(jobs))
		for i := range jobs {
			tallies = append(tallies, jobTallyFromModel(&jobs[i]))
		}
		ledger, err := tallyLedger(tx, id)
		if err != nil {
			return err
		}
		res.Aggregate = domain.AggregateRun(tallies, ledger)

		if !res.Aggregate.Done || !model.Status.CanTransition(res.Aggregate.Status) {
			res.Run = runModelToDomain(&model)
			return nil
		}

		now := r.now().UTC()
		model.Status = res.Aggregate.Status
		model.CompletedAt = &now
		model.UpdatedAt = now
		model.Error = optionalString(truncateError(res.Aggregate.Summary()))
		if model.StartedAt == nil {
			model.StartedAt = &now
		}

		if err := tx.Model(&RunModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":       model.Status,
				"completed_at": model.CompletedAt,
				"started_at":   model.StartedAt,
				"error":        model.Error,
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}

		res.Run = runModelToDomain(&model)
		res.Finalized = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListUnfinalized returns ids of active runs that have no job left to make
// progress. They are candidates for a missed reconcile.
func (r *GormRunRepo) ListUnfinalized(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultStuckJobLimit
	}

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("status IN ? AND NOT paused", []domain.RunStatus{domain.RunStatusQueued, domain.RunStatusRunning}).
		Where(`NOT EXISTS (
SELECT 1 FROM campaign_jobs j
WHERE j.run_id = campaign_runs.id
AND (j.status IN (?, ?) OR (j.status = ? AND j.attempts < j.max_attempts))
)`, domain.JobStatusQueued, domain.JobStatusClaimed, domain.JobStatusFailed).
		Order("updated_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AddJobs enqueues follow-up jobs of an existing run, e.g. on resume, and
// keeps total_jobs in step.
func (r *GormRunRepo) AddJobs(ctx context.Context, runID string, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&RunModel{}).
			Where("id = ?", runID).
			Updates(map[string]any{
				"total_jobs": gorm.Expr("total_jobs + ?", len(jobs)),
				"updated_at": r.now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return enqueueJobs(tx, jobs)
	})
}

// tallyLedger counts the run's outbox entries by status inside the reconcile
// transaction.
func tallyLedger(tx *gorm.DB, runID string) (domain.LedgerTally, error) {
	var counts []StatusCount
	if err := tx.Model(&OutboxModel{}).
		Select("status, COUNT(*) AS count").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&counts).Error; err != nil {
		return domain.LedgerTally{}, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	var ledger domain.LedgerTally
	for _, c := range counts {
		ledger.Add(c.Status, int(c.Count))
	}
	return ledger, nil
}
