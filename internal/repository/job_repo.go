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

const (
	defaultStuckJobLimit = 100
	maxErrorTextLength   = 2000
)

// QueueStats counts jobs per status.
type QueueStats struct {
	Queued    int64 `json:"queued"`
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// ReleasedJob is a claimed job whose claim expired.
type ReleasedJob struct {
	ID          string
	RunID       string
	TenantID    string
	WorkspaceID string
	Status      domain.JobStatus
	LockedBy    string
}

type JobRepository interface {
	Enqueue(ctx context.Context, jobs []*domain.Job) error
	ClaimJobs(ctx context.Context, workerID string, limit int) ([]domain.Job, error)
	CompleteJob(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error)
	DeferJob(ctx context.Context, jobID string, until time.Time, reason string) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ListByRun(ctx context.Context, runID string) ([]domain.Job, error)
	Stats(ctx context.Context) (QueueStats, error)
	CountByRun(ctx context.Context, runID string) (QueueStats, error)
	ReleaseStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]ReleasedJob, error)
}

type GormJobRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db, now: time.Now}
}

func (r *GormJobRepo) Enqueue(ctx context.Context, jobs []*domain.Job) error {
	return enqueueJobs(r.db.WithContext(ctx), jobs)
}

func enqueueJobs(tx *gorm.DB, jobs []*domain.Job) error {
	models := make([]JobModel, 0, len(jobs))
	for _, j := range jobs {
		if j == nil {
			continue
		}
		if err := j.Validate(); err != nil {
			return err
		}
		model, err := jobModelFromDomain(j)
		if err != nil {
			return err
		}
		models = append(models, *model)
	}

	if len(models) == 0 {
		return nil
	}

	if err := tx.CreateInBatches(&models, 100).Error; err != nil {
		return fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	return nil
}

// ClaimJobs locks up to limit claimable jobs with SKIP LOCKED and marks them
// claimed by workerID inside the same transaction, so concurrent callers never
// receive the same job. Jobs of paused runs are not claimable. A job whose
// payload cannot be decoded is moved to dead instead of being returned.
func (r *GormJobRepo) ClaimJobs(ctx context.Context, workerID string, limit int) ([]domain.Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", domain.ErrValidation)
	}
	limit = max(limit, 1)
	now := r.now().UTC()

	var claimed []domain.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed = make([]domain.Job, 0, limit)

		var models []JobModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? OR (status = ? AND attempts < max_attempts))", domain.JobStatusQueued, domain.JobStatusFailed).
			Where("run_after <= ?", now).
			Where("NOT EXISTS (SELECT 1 FROM campaign_runs r WHERE r.id = campaign_jobs.run_id AND r.paused)").
			Order("created_at ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(models))
		for i := range models {
			job, decodeErr := jobModelToDomain(&models[i])
			if decodeErr != nil {
				if err := tx.Model(&JobModel{}).
					Where("id = ?", models[i].ID).
					Updates(map[string]any{
						"status":       domain.JobStatusDead,
						"last_error":   truncateError("undecodable payload: " + decodeErr.Error()),
						"completed_at": now,
						"updated_at":   now,
					}).Error; err != nil {
					return err
				}
				continue
			}

			job.Status = domain.JobStatusClaimed
			job.LockedBy = &workerID
			job.LockedAt = &now
			job.Attempts++
			job.UpdatedAt = now

			ids = append(ids, job.ID)
			claimed = append(claimed, *job)
		}

		if len(ids) == 0 {
			return nil
		}

		return tx.Model(&JobModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     domain.JobStatusClaimed,
				"locked_by":  workerID,
				"locked_at":  now,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	return claimed, nil
}

// CompleteJob records the end of a claimed job. Without an error the job is
// completed with its outcome counters. With an error it becomes failed while
// attempts remain, and dead once the ceiling is reached or the error is a
// configuration error.
func (r *GormJobRepo) CompleteJob(ctx context.Context, jobID string, result *domain.JobResult, jobErr error) (*domain.Job, error) {
	now := r.now().UTC()

	var completed *domain.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model JobModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.Status != domain.JobStatusClaimed {
			return fmt.Errorf("%w: job %s is %s, not claimed", domain.ErrConflict, jobID, model.Status)
		}

		model.LockedBy = nil
		model.LockedAt = nil
		model.UpdatedAt = now

		if jobErr == nil {
			if result == nil {
				result = domain.NewJobResult()
			}
			outcome := result.Outcome
			model.Status = domain.JobStatusCompleted
			model.Outcome = &outcome
			model.SentCount = result.Sent
			model.FailedCount = result.Failed
			model.SkippedCount = result.Skipped
			model.LastError = failureSummary(result)
			model.CompletedAt = &now
		} else {
			if result != nil {
				model.SentCount = result.Sent
				model.FailedCount = result.Failed
				model.SkippedCount = result.Skipped
			}
			errText := truncateError(jobErr.Error())
			model.LastError = &errText
			model.Status = domain.JobStatusFailed
			if domain.IsConfigurationError(jobErr) || model.Attempts >= model.MaxAttempts {
				model.Status = domain.JobStatusDead
				model.CompletedAt = &now
			}
		}

		if err := tx.Model(&JobModel{}).
			Where("id = ?", model.ID).
			Updates(map[string]any{
				"status":        model.Status,
				"outcome":       model.Outcome,
				"sent_count":    model.SentCount,
				"failed_count":  model.FailedCount,
				"skipped_count": model.SkippedCount,
				"last_error":    model.LastError,
				"locked_by":     nil,
				"locked_at":     nil,
				"completed_at":  model.CompletedAt,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}

		job, err := jobModelToDomain(&model)
		if err != nil {
			return err
		}
		completed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return completed, nil
}

// DeferJob hands a claimed job back for a later attempt without charging the
// attempt, e.g. when the rate limit is exhausted until the next window.
func (r *GormJobRepo) DeferJob(ctx context.Context, jobID string, until time.Time, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ?", jobID, domain.JobStatusClaimed).
		Updates(map[string]any{
			"status":     domain.JobStatusFailed,
			"attempts":   gorm.Expr("GREATEST(attempts - 1, 0)"),
			"run_after":  until.UTC(),
			"last_error": truncateError(reason),
			"locked_by":  nil,
			"locked_at":  nil,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model)
}

func (r *GormJobRepo) ListByRun(ctx context.Context, runID string) ([]domain.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		job, err := jobModelToDomain(&models[i])
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", models[i].ID, err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, nil
}

func (r *GormJobRepo) Stats(ctx context.Context) (QueueStats, error) {
	return r.countByStatus(r.db.WithContext(ctx).Model(&JobModel{}))
}

func (r *GormJobRepo) CountByRun(ctx context.Context, runID string) (QueueStats, error) {
	return r.countByStatus(r.db.WithContext(ctx).Model(&JobModel{}).Where("run_id = ?", runID))
}

func (r *GormJobRepo) countByStatus(query *gorm.DB) (QueueStats, error) {
	var rows []struct {
		Status domain.JobStatus `gorm:"column:status"`
		Count  int64            `gorm:"column:count"`
	}
	err := query.
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return QueueStats{}, err
	}

	var stats QueueStats
	for _, row := range rows {
		switch row.Status {
		case domain.JobStatusQueued:
			stats.Queued = row.Count
		case domain.JobStatusClaimed:
			stats.Claimed = row.Count
		case domain.JobStatusCompleted:
			stats.Completed = row.Count
		case domain.JobStatusFailed:
			stats.Failed = row.Count
		case domain.JobStatusDead:
			stats.Dead = row.Count
		}
	}
	return stats, nil
}

// ReleaseStuck fails claimed jobs whose claim is older than claimedBefore so
// another worker can pick them up. Jobs out of attempts go dead.
func (r *GormJobRepo) ReleaseStuck(ctx context.Context, claimedBefore time.Time, limit int) ([]ReleasedJob, error) {
	if limit <= 0 {
		limit = defaultStuckJobLimit
	}
	now := r.now().UTC()

	var released []ReleasedJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []JobModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND locked_at < ?", domain.JobStatusClaimed, claimedBefore.UTC()).
			Order("locked_at ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}

		released = make([]ReleasedJob, 0, len(models))
		for i := range models {
			m := models[i]
			lockedBy := ""
			if m.LockedBy != nil {
				lockedBy = *m.LockedBy
			}

			updates := map[string]any{
				"status":     domain.JobStatusFailed,
				"last_error": fmt.Sprintf("claim expired: worker %q did not finish the job", lockedBy),
				"locked_by":  nil,
				"locked_at":  nil,
				"updated_at": now,
			}
			status := domain.JobStatusFailed
			if m.Attempts >= m.MaxAttempts {
				status = domain.JobStatusDead
				updates["status"] = status
				updates["completed_at"] = now
			}

			if err := tx.Model(&JobModel{}).Where("id = ?", m.ID).Updates(updates).Error; err != nil {
				return err
			}

			released = append(released, ReleasedJob{
				ID:          m.ID,
				RunID:       m.RunID,
				TenantID:    m.TenantID,
				WorkspaceID: m.WorkspaceID,
				Status:      status,
				LockedBy:    lockedBy,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to release stuck jobs: %w", err)
	}

	return released, nil
}

// failureSummary keeps the first distinct recipient errors of a job so the
// run error can name what went wrong.
func failureSummary(result *domain.JobResult) *string {
	if result == nil || result.Failed == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	parts := make([]string, 0, 3)
	for _, rr := range result.Recipients {
		if rr.Status != domain.OutboxStatusFailed || strings.TrimSpace(rr.Error) == "" {
			continue
		}
		if _, ok := seen[rr.Error]; ok {
			continue
		}
		seen[rr.Error] = struct{}{}
		parts = append(parts, rr.Error)
		if len(parts) == 3 {
			break
		}
	}

	summary := fmt.Sprintf("%d of %d recipients failed", result.Failed, result.Sent+result.Failed)
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, "; ")
	}
	summary = truncateError(summary)
	return &summary
}

func truncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorTextLength {
		return s
	}
	return s[:maxErrorTextLength]
}
