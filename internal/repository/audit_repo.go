package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"gorm.io/gorm"
)

type AuditRepository interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
	ListByRun(ctx context.Context, runID string, limit int) ([]domain.AuditEvent, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

func (r *GormAuditRepo) Create(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil {
		return fmt.Errorf("%w: audit event is required", domain.ErrValidation)
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	model, err := auditModelFromDomain(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit data: %w", err)
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormAuditRepo) ListByRun(ctx context.Context, runID string, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	var models []AuditEventModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.AuditEvent, 0, len(models))
	for i := range models {
		events = append(events, *auditModelToDomain(&models[i]))
	}
	return events, nil
}
