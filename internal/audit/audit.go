// Package audit records run and job transitions. Events are stored first and
// then published to the broker; neither step can fail the caller.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"go.uber.org/zap"
)

type Store interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
}

type Emitter struct {
	store     Store
	publisher queue.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewEmitter accepts a nil publisher for deployments without a broker.
func NewEmitter(store Store, publisher queue.EventPublisher, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Emit stores and publishes event. Failures are logged.
func (e *Emitter) Emit(ctx context.Context, event domain.AuditEvent) {
	if e == nil {
		return
	}

	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.now().UTC()
	}

	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("eventId", event.ID),
		zap.String("eventType", event.Type.String()),
	)

	// Audit writes outlive the caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	if e.store != nil {
		if err := e.store.Create(ctx, &event); err != nil {
			logger.Error("failed to store audit event", zap.Error(err))
			return
		}
	}

	if e.publisher != nil {
		correlationID, _ := observability.CorrelationIDFromContext(ctx)
		if err := e.publisher.PublishEvent(ctx, queue.EventMessageFromDomain(&event, correlationID)); err != nil {
			logger.Warn("failed to publish audit event", zap.Error(err))
		}
	}
}

// RunEvent builds an event scoped to run.
func RunEvent(run *domain.Run, eventType domain.AuditEventType, message string, data map[string]any) domain.AuditEvent {
	runID := run.ID
	return domain.AuditEvent{
		TenantID:    run.TenantID,
		WorkspaceID: run.WorkspaceID,
		RunID:       &runID,
		Type:        eventType,
		Message:     message,
		Data:        data,
	}
}

// JobEvent builds an event scoped to job and its run.
func JobEvent(job *domain.Job, eventType domain.AuditEventType, message string, data map[string]any) domain.AuditEvent {
	runID, jobID := job.RunID, job.ID
	if data == nil {
		data = map[string]any{}
	}
	data["jobType"] = job.Type.String()
	data["attempts"] = job.Attempts
	return domain.AuditEvent{
		TenantID:    job.TenantID,
		WorkspaceID: job.WorkspaceID,
		RunID:       &runID,
		JobID:       &jobID,
		Type:        eventType,
		Message:     message,
		Data:        data,
	}
}
