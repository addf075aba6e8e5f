package domain

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a campaign run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) String() string { return string(s) }

func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted, RunStatusPartial, RunStatusFailed:
		return true
	}
	return false
}

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartial || s == RunStatusFailed
}

func (s RunStatus) rank() int {
	switch s {
	case RunStatusQueued:
		return 0
	case RunStatusRunning:
		return 1
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether the run may move from s to next. Status is
// monotonic and a terminal status never changes.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if !s.IsValid() || !next.IsValid() || s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

func ParseRunStatusFromString(s string) (RunStatus, error) {
	st := RunStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid run status %q", ErrValidation, s)
	}
	return st, nil
}

// Run is one execution attempt of a campaign across one or more channels.
type Run struct {
	ID          string
	TenantID    string
	WorkspaceID string
	CampaignID  string
	Channels    []Channel
	Status      RunStatus
	Paused      bool
	TotalJobs   int
	// ContentVersion and ScheduledSlot are fixed at launch; every job of the
	// run derives its idempotency keys from them.
	ContentVersion string
	ScheduledSlot  int64
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobTally is the per-job view the run aggregation needs.
type JobTally struct {
	Status  JobStatus
	Outcome *JobOutcome
	Sent    int
	Failed  int
	// Retryable is true for a failed job that still has attempts left.
	Retryable bool
	LastError *string
}

// LedgerTally counts a run's outbox entries by result. It is the source of
// truth for what was delivered; job counters only describe the last attempt.
type LedgerTally struct {
	Delivered int
	Failed    int
}

// Add folds n entries in status into the tally. Non-terminal and skipped
// entries are neutral.
func (t *LedgerTally) Add(status OutboxStatus, n int) {
	switch {
	case status.IsSuccess():
		t.Delivered += n
	case status == OutboxStatusFailed:
		t.Failed += n
	}
}

// RunAggregate is the result of folding job tallies into a run status.
type RunAggregate struct {
	Done      bool
	Status    RunStatus
	Jobs      int
	Succeeded int
	Partial   int
	Failed    int
	// Sent and FailedDispatches come from the ledger.
	Sent             int
	FailedDispatches int
	Errors           []string
}

// AggregateRun computes the terminal run status from its jobs and its outbox
// ledger. Done is false while any job can still make progress.
//
// Every job fully successful and no failed dispatch in the ledger yields
// completed. Otherwise any delivered action yields partial, and none yields
// failed.
func AggregateRun(jobs []JobTally, ledger LedgerTally) RunAggregate {
	agg := RunAggregate{Jobs: len(jobs)}

	for _, j := range jobs {
		switch j.Status {
		case JobStatusQueued, JobStatusClaimed:
			return RunAggregate{Jobs: len(jobs)}
		case JobStatusFailed:
			if j.Retryable {
				return RunAggregate{Jobs: len(jobs)}
			}
		}

		switch {
		case j.Status == JobStatusCompleted && j.Outcome != nil && *j.Outcome == JobOutcomeSuccess:
			agg.Succeeded++
		case j.Status == JobStatusCompleted && j.Outcome != nil && *j.Outcome == JobOutcomePartial:
			agg.Partial++
		default:
			agg.Failed++
		}
		if j.LastError != nil && strings.TrimSpace(*j.LastError) != "" {
			agg.Errors = append(agg.Errors, *j.LastError)
		}
	}

	agg.Sent = ledger.Delivered
	agg.FailedDispatches = ledger.Failed
	agg.Done = true
	switch {
	case agg.Succeeded == agg.Jobs && ledger.Failed == 0:
		agg.Status = RunStatusCompleted
	case ledger.Delivered > 0:
		agg.Status = RunStatusPartial
	default:
		agg.Status = RunStatusFailed
	}
	return agg
}

// Summary renders the aggregate for the run error field. Empty for completed runs.
func (a RunAggregate) Summary() string {
	if a.Status == RunStatusCompleted || !a.Done {
		return ""
	}

	summary := fmt.Sprintf("%d actions delivered, %d failed", a.Sent, a.FailedDispatches)
	if a.Partial+a.Failed > 0 {
		summary += fmt.Sprintf("; %d of %d jobs did not fully succeed (%d partial, %d failed)",
			a.Partial+a.Failed, a.Jobs, a.Partial, a.Failed)
	}
	if len(a.Errors) > 0 {
		summary += ": " + strings.Join(uniqueStrings(a.Errors, 3), "; ")
	}
	return summary
}

func uniqueStrings(values []string, limit int) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, limit)
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out
}

// ChannelList renders channels in storage form.
func ChannelList(channels []Channel) string {
	parts := make([]string, 0, len(channels))
	for _, ch := range channels {
		parts = append(parts, ch.String())
	}
	return strings.Join(parts, ",")
}

// ParseChannelList is the inverse of ChannelList. Unknown values are dropped.
func ParseChannelList(s string) []Channel {
	channels := make([]Channel, 0, 3)
	for _, part := range strings.Split(s, ",") {
		ch := Channel(strings.TrimSpace(part))
		if ch.IsValid() {
			channels = append(channels, ch)
		}
	}
	return channels
}
