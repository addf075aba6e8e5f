package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxListParams struct {
	RunID    string
	Status   *domain.OutboxStatus
	Channel  *domain.Channel
	Page     int
	PageSize int
}

type StatusCount struct {
	Channel domain.Channel      `gorm:"column:channel" json:"channel"`
	Status  domain.OutboxStatus `gorm:"column:status" json:"status"`
	Count   int64               `gorm:"column:count" json:"count"`
}

// OutcomeUpdate is the provider response recorded on an outbox entry.
type OutcomeUpdate struct {
	EntryID           string
	Channel           domain.Channel
	Status            domain.OutboxStatus
	ProviderMessageID string
	Error             string
	SkipReason        string
}

type OutboxRepository interface {
	Reserve(ctx context.Context, entry *domain.OutboxEntry) (*domain.OutboxEntry, bool, error)
	BeginDispatch(ctx context.Context, entryID string) (bool, error)
	Park(ctx context.Context, entryID string) (bool, error)
	RecordOutcome(ctx context.Context, update OutcomeUpdate) error
	GetByID(ctx context.Context, id string) (*domain.OutboxEntry, error)
	PauseRun(ctx context.Context, runID string) (int64, error)
	ResumeRun(ctx context.Context, runID string) (map[domain.Channel]int64, error)
	ListQueuedByRun(ctx context.Context, runID string, channel domain.Channel, limit int) ([]domain.OutboxEntry, error)
	List(ctx context.Context, params OutboxListParams) ([]domain.OutboxEntry, int64, error)
	CountByRunStatus(ctx context.Context, runID string) ([]StatusCount, error)
	FailStaleSending(ctx context.Context, olderThan time.Duration, limit int) (int64, error)
}

type GormOutboxRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormOutboxRepo(db *gorm.DB) *GormOutboxRepo {
	return &GormOutboxRepo{db: db, now: time.Now}
}

// Reserve writes the entry in queued status before any provider call. When
// the idempotency key already exists for the tenant and workspace, nothing is
// inserted and the existing entry is returned with alreadyExists set.
func (r *GormOutboxRepo) Reserve(ctx context.Context, entry *domain.OutboxEntry) (*domain.OutboxEntry, bool, error) {
	if entry == nil {
		return nil, false, fmt.Errorf("%w: outbox entry is required", domain.ErrValidation)
	}
	if err := entry.Validate(); err != nil {
		return nil, false, err
	}

	now := r.now().UTC()
	model := outboxModelFromDomain(entry)
	if strings.TrimSpace(model.ID) == "" {
		model.ID = uuid.NewString()
	}
	model.Status = domain.OutboxStatusQueued
	model.CreatedAt = now
	model.UpdatedAt = now

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "workspace_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil && !isUniqueViolationError(result.Error) {
		return nil, false, fmt.Errorf("failed to reserve outbox entry: %w", result.Error)
	}
	if result.Error == nil && result.RowsAffected == 1 {
		return outboxModelToDomain(model), false, nil
	}

	existing, err := r.getByKey(ctx, entry.TenantID, entry.WorkspaceID, entry.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing outbox entry after idempotency conflict: %w", err)
	}
	return existing, true, nil
}

// BeginDispatch moves a queued entry to sending. Only the caller that wins
// this transition may call the provider.
func (r *GormOutboxRepo) BeginDispatch(ctx context.Context, entryID string) (bool, error) {
	return r.transition(ctx, entryID, domain.OutboxStatusQueued, domain.OutboxStatusSending)
}

// Park moves a queued entry of a paused run to paused.
func (r *GormOutboxRepo) Park(ctx context.Context, entryID string) (bool, error) {
	return r.transition(ctx, entryID, domain.OutboxStatusQueued, domain.OutboxStatusPaused)
}

func (r *GormOutboxRepo) transition(ctx context.Context, entryID string, from, to domain.OutboxStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&OutboxModel{}).
		Where("id = ? AND status = ?", entryID, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RecordOutcome stores the provider response. Only a terminal status allowed
// for the entry channel is accepted, and an entry that already reached a
// terminal status is never overwritten.
func (r *GormOutboxRepo) RecordOutcome(ctx context.Context, update OutcomeUpdate) error {
	if !domain.ValidOutcome(update.Channel, update.Status) {
		return fmt.Errorf("%w: status %q is not a %s outcome", domain.ErrValidation, update.Status, update.Channel)
	}

	values := map[string]any{
		"status":              update.Status,
		"provider_message_id": optionalString(update.ProviderMessageID),
		"error":               optionalString(truncateError(update.Error)),
		"skipped":             update.Status == domain.OutboxStatusSkipped,
		"skip_reason":         optionalString(update.SkipReason),
		"updated_at":          r.now().UTC(),
	}

	result := r.db.WithContext(ctx).
		Model(&OutboxModel{}).
		Where("id = ? AND channel = ? AND status IN ?", update.EntryID, update.Channel,
			[]domain.OutboxStatus{domain.OutboxStatusQueued, domain.OutboxStatusSending}).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: outbox entry %s is not awaiting an outcome", domain.ErrConflict, update.EntryID)
	}
	return nil
}

func (r *GormOutboxRepo) GetByID(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	var model OutboxModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return outboxModelToDomain(&model), nil
}

func (r *GormOutboxRepo) getByKey(ctx context.Context, tenantID, workspaceID, key string) (*domain.OutboxEntry, error) {
	var model OutboxModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND workspace_id = ? AND idempotency_key = ?", tenantID, workspaceID, key).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return outboxModelToDomain(&model), nil
}

// PauseRun parks every queued entry of the run. Entries already sending run
// to completion; history is kept.
func (r *GormOutboxRepo) PauseRun(ctx context.Context, runID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&OutboxModel{}).
		Where("run_id = ? AND status = ?", runID, domain.OutboxStatusQueued).
		Updates(map[string]any{
			"status":     domain.OutboxStatusPaused,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to pause outbox entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ResumeRun re-queues the paused entries of the run and reports how many were
// re-activated per channel.
func (r *GormOutboxRepo) ResumeRun(ctx context.Context, runID string) (map[domain.Channel]int64, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Raw(`UPDATE dispatch_outbox SET status = ?, updated_at = ?
WHERE run_id = ? AND status = ?
RETURNING channel, status, 1 AS count`,
			domain.OutboxStatusQueued, r.now().UTC(), runID, domain.OutboxStatusPaused).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resume outbox entries: %w", err)
	}

	counts := make(map[domain.Channel]int64)
	for _, row := range rows {
		counts[row.Channel] += row.Count
	}
	return counts, nil
}

func (r *GormOutboxRepo) ListQueuedByRun(ctx context.Context, runID string, channel domain.Channel, limit int) ([]domain.OutboxEntry, error) {
	limit = max(limit, 1)

	var models []OutboxModel
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND channel = ? AND status = ?", runID, channel, domain.OutboxStatusQueued).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]domain.OutboxEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *outboxModelToDomain(&models[i]))
	}
	return entries, nil
}

func (r *GormOutboxRepo) List(ctx context.Context, params OutboxListParams) ([]domain.OutboxEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&OutboxModel{}).Where("run_id = ?", params.RunID)

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Channel != nil {
		query = query.Where("channel = ?", *params.Channel)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []OutboxModel
	err := query.
		Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	entries := make([]domain.OutboxEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *outboxModelToDomain(&models[i]))
	}

	return entries, total, nil
}

func (r *GormOutboxRepo) CountByRunStatus(ctx context.Context, runID string) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&OutboxModel{}).
		Select("channel, status, COUNT(*) as count").
		Where("run_id = ?", runID).
		Group("channel, status").
		Order("channel, status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// FailStaleSending fails entries left in sending by a worker that stopped
// mid-call. Whether the provider accepted them is unknown, so they are never
// resent automatically.
func (r *GormOutboxRepo) FailStaleSending(ctx context.Context, olderThan time.Duration, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultStuckJobLimit
	}

	now := r.now().UTC()
	result := r.db.WithContext(ctx).Exec(`UPDATE dispatch_outbox SET status = ?, error = ?, updated_at = ?
WHERE id IN (
	SELECT id FROM dispatch_outbox
	WHERE status = ? AND updated_at < ?
	ORDER BY updated_at ASC
	LIMIT ?
	FOR UPDATE SKIP LOCKED
)`,
		domain.OutboxStatusFailed, staleSendingError, now,
		domain.OutboxStatusSending, now.Add(-olderThan), limit)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to fail stale outbox entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

const staleSendingError = "dispatch interrupted during provider call; delivery state unknown"

func optionalString(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
