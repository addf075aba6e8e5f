package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// EventMessage is the broker payload of an audit event.
type EventMessage struct {
	EventID       string                `json:"eventId"`
	CorrelationID string                `json:"correlationId,omitempty"`
	TenantID      string                `json:"tenantId"`
	WorkspaceID   string                `json:"workspaceId,omitempty"`
	RunID         string                `json:"runId,omitempty"`
	JobID         string                `json:"jobId,omitempty"`
	Type          domain.AuditEventType `json:"type"`
	Message       string                `json:"message"`
	Data          map[string]any        `json:"data,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return fmt.Errorf("tenantId is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", m.Type)
	}
	return nil
}

// EventMessageFromDomain converts a stored audit event to its broker payload.
func EventMessageFromDomain(event *domain.AuditEvent, correlationID string) EventMessage {
	msg := EventMessage{
		EventID:       event.ID,
		CorrelationID: correlationID,
		TenantID:      event.TenantID,
		WorkspaceID:   event.WorkspaceID,
		Type:          event.Type,
		Message:       event.Message,
		Data:          event.Data,
		CreatedAt:     event.CreatedAt,
	}
	if event.RunID != nil {
		msg.RunID = *event.RunID
	}
	if event.JobID != nil {
		msg.JobID = *event.JobID
	}
	return msg
}

// TriggerMessage wakes a worker. RunID is informational; the woken worker
// claims whatever jobs are due.
type TriggerMessage struct {
	CorrelationID string    `json:"correlationId,omitempty"`
	TenantID      string    `json:"tenantId,omitempty"`
	RunID         string    `json:"runId,omitempty"`
	Reason        string    `json:"reason"`
	RequestedAt   time.Time `json:"requestedAt"`
}

func (m TriggerMessage) Validate() error {
	if strings.TrimSpace(m.Reason) == "" {
		return fmt.Errorf("reason is required")
	}
	if m.RequestedAt.IsZero() {
		return fmt.Errorf("requestedAt is required")
	}
	return nil
}
