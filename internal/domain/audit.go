package domain

import "time"

// AuditEventType names a run or job transition.
type AuditEventType string

const (
	AuditRunQueued    AuditEventType = "run.queued"
	AuditRunStarted   AuditEventType = "run.started"
	AuditRunCompleted AuditEventType = "run.completed"
	AuditRunPartial   AuditEventType = "run.partial"
	AuditRunFailed    AuditEventType = "run.failed"
	AuditRunPaused    AuditEventType = "run.paused"
	AuditRunResumed   AuditEventType = "run.resumed"
	AuditJobClaimed   AuditEventType = "job.claimed"
	AuditJobCompleted AuditEventType = "job.completed"
	AuditJobFailed    AuditEventType = "job.failed"
	AuditJobDead      AuditEventType = "job.dead"
	AuditJobDeferred  AuditEventType = "job.deferred"
	AuditTick         AuditEventType = "tick"
)

func (t AuditEventType) String() string { return string(t) }

func (t AuditEventType) IsValid() bool {
	switch t {
	case AuditRunQueued, AuditRunStarted, AuditRunCompleted, AuditRunPartial, AuditRunFailed,
		AuditRunPaused, AuditRunResumed, AuditJobClaimed, AuditJobCompleted, AuditJobFailed,
		AuditJobDead, AuditJobDeferred, AuditTick:
		return true
	}
	return false
}

// RunTerminalEvent maps a terminal run status to its audit type.
func RunTerminalEvent(status RunStatus) AuditEventType {
	switch status {
	case RunStatusCompleted:
		return AuditRunCompleted
	case RunStatusPartial:
		return AuditRunPartial
	}
	return AuditRunFailed
}

// AuditEvent is an immutable record of one transition.
type AuditEvent struct {
	ID          string
	TenantID    string
	WorkspaceID string
	RunID       *string
	JobID       *string
	Type        AuditEventType
	Message     string
	Data        map[string]any
	CreatedAt   time.Time
}
