package queue

import (
	"testing"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

func TestQueueNames(t *testing.T) {
	if got := DLQName(TriggerQueue); got != "dlq.campaign.triggers" {
		t.Fatalf("DLQName = %s, want dlq.campaign.triggers", got)
	}
}

func TestEventRoutingKey(t *testing.T) {
	tests := []struct {
		name      string
		eventType domain.AuditEventType
		want      string
	}{
		{name: "run completed", eventType: domain.AuditRunCompleted, want: "campaign.run.completed"},
		{name: "job deferred", eventType: domain.AuditJobDeferred, want: "campaign.job.deferred"},
		{name: "tick", eventType: domain.AuditTick, want: "campaign.tick"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventRoutingKey(tt.eventType); got != tt.want {
				t.Fatalf("EventRoutingKey(%q) = %s, want %s", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestEventMessageValidate(t *testing.T) {
	msg := EventMessage{EventID: "e1", TenantID: "t1", Type: domain.AuditRunQueued}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.EventID = ""
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty event id")
	}

	msg.EventID = "e1"
	msg.Type = domain.AuditEventType("run.exploded")
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for invalid event type")
	}
}

func TestEventMessageFromDomain(t *testing.T) {
	runID := "run-1"
	event := &domain.AuditEvent{
		ID:          "e1",
		TenantID:    "t1",
		WorkspaceID: "w1",
		RunID:       &runID,
		Type:        domain.AuditRunStarted,
		Message:     "run started",
		Data:        map[string]any{"jobs": 2},
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	msg := EventMessageFromDomain(event, "corr-1")
	if msg.RunID != "run-1" || msg.JobID != "" || msg.CorrelationID != "corr-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestTriggerMessageValidate(t *testing.T) {
	msg := TriggerMessage{Reason: "launch", RequestedAt: time.Now()}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.Reason = " "
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty reason")
	}

	msg.Reason = "launch"
	msg.RequestedAt = time.Time{}
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for missing requestedAt")
	}
}
