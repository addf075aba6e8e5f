package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobType identifies the batch work a job carries.
type JobType string

const (
	JobTypeEmailBatch  JobType = "email_batch"
	JobTypeVoiceBatch  JobType = "voice_batch"
	JobTypeSocialBatch JobType = "social_batch"
)

func (t JobType) String() string { return string(t) }

func (t JobType) IsValid() bool {
	switch t {
	case JobTypeEmailBatch, JobTypeVoiceBatch, JobTypeSocialBatch:
		return true
	}
	return false
}

// Channel returns the delivery channel dispatched by this job type.
func (t JobType) Channel() Channel {
	switch t {
	case JobTypeEmailBatch:
		return ChannelEmail
	case JobTypeVoiceBatch:
		return ChannelVoice
	case JobTypeSocialBatch:
		return ChannelSocial
	}
	return ""
}

// JobStatus is the lifecycle state of a job. Transitions only move forward,
// except that a failed job may be claimed again while attempts remain.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusClaimed, JobStatusCompleted, JobStatusFailed, JobStatusDead:
		return true
	}
	return false
}

func ParseJobStatusFromString(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job status %q", ErrValidation, s)
	}
	return st, nil
}

// JobOutcome summarizes the recipients of a finished job.
type JobOutcome string

const (
	JobOutcomeSuccess JobOutcome = "success"
	JobOutcomePartial JobOutcome = "partial"
	JobOutcomeFailure JobOutcome = "failure"
)

func (o JobOutcome) String() string { return string(o) }

// Job is a unit of batch work for one channel of one run.
type Job struct {
	ID           string
	TenantID     string
	WorkspaceID  string
	RunID        string
	Type         JobType
	Payload      JobPayload
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	LockedBy     *string
	LockedAt     *time.Time
	RunAfter     time.Time
	LastError    *string
	Outcome      *JobOutcome
	SentCount    int
	FailedCount  int
	SkippedCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// IsTerminal reports whether the job will never be claimed again. A failed
// job is terminal only once its attempts are exhausted.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusDead:
		return true
	case JobStatusFailed:
		return !j.CanRetry()
	}
	return false
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.TenantID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrValidation)
	}
	if strings.TrimSpace(j.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace id is required", ErrValidation)
	}
	if strings.TrimSpace(j.RunID) == "" {
		return fmt.Errorf("%w: run id is required", ErrValidation)
	}
	if !j.Type.IsValid() {
		return fmt.Errorf("%w: invalid job type %q", ErrValidation, j.Type)
	}
	if j.Payload == nil {
		return fmt.Errorf("%w: job payload is required", ErrValidation)
	}
	if j.Payload.JobType() != j.Type {
		return fmt.Errorf("%w: payload type %q does not match job type %q", ErrValidation, j.Payload.JobType(), j.Type)
	}
	return j.Payload.Validate()
}

// RecipientResult is the dispatch outcome for one recipient of a job.
type RecipientResult struct {
	RecipientID       string       `json:"recipientId"`
	EntryID           string       `json:"entryId,omitempty"`
	Status            OutboxStatus `json:"status"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	Error             string       `json:"error,omitempty"`
	SkipReason        string       `json:"skipReason,omitempty"`
}

// JobResult aggregates per-recipient outcomes of one job.
type JobResult struct {
	Outcome    JobOutcome        `json:"outcome"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Recipients []RecipientResult `json:"recipients"`
}

func NewJobResult() *JobResult {
	return &JobResult{Outcome: JobOutcomeSuccess, Recipients: []RecipientResult{}}
}

// Add records a recipient outcome and updates the counters.
func (r *JobResult) Add(rr RecipientResult) {
	r.Recipients = append(r.Recipients, rr)
	switch {
	case rr.Status.IsSuccess():
		r.Sent++
	case rr.Status == OutboxStatusFailed:
		r.Failed++
	default:
		r.Skipped++
	}
	r.Outcome = ComputeOutcome(r.Sent, r.Failed)
}

// FailureRatio is failed / (sent + failed); skipped recipients are neutral.
func (r *JobResult) FailureRatio() float64 {
	attempted := r.Sent + r.Failed
	if attempted == 0 {
		return 0
	}
	return float64(r.Failed) / float64(attempted)
}

// ComputeOutcome distinguishes full success, partial success and full failure.
// A job with no failures is a success even when every recipient was skipped.
func ComputeOutcome(sent, failed int) JobOutcome {
	switch {
	case failed == 0:
		return JobOutcomeSuccess
	case sent > 0:
		return JobOutcomePartial
	default:
		return JobOutcomeFailure
	}
}
