package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/audit"
	"github.com/kursadbilgin/campaign-engine/internal/collab"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/gate"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"go.uber.org/zap"
)

// Action is a campaign control action.
type Action string

const (
	ActionValidate Action = "validate"
	ActionLaunch   Action = "launch"
	ActionOptimize Action = "optimize"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionValidate, ActionLaunch, ActionOptimize, ActionPause, ActionResume:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", domain.ErrValidation, s)
}

// ErrIntegrationsNotReady blocks a launch; the action result lists the
// per-channel reasons.
var ErrIntegrationsNotReady = errors.New("integrations not ready")

type ActionRequest struct {
	Action      Action
	TenantID    string
	WorkspaceID string
	CampaignID  string
	RunID       string
	Channels    []string
	ScheduledAt *time.Time
}

type ChannelError struct {
	Channel domain.Channel `json:"channel"`
	Error   string         `json:"error"`
}

// Recommendation is a read-only suggestion derived from run results.
type Recommendation struct {
	Channel domain.Channel `json:"channel,omitempty"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Value   float64        `json:"value,omitempty"`
}

type ActionResult struct {
	Action          Action                     `json:"action"`
	Integrations    []domain.IntegrationStatus `json:"integrations,omitempty"`
	Errors          []ChannelError             `json:"errors,omitempty"`
	Run             *domain.Run                `json:"run,omitempty"`
	JobsCreated     int                        `json:"jobsCreated,omitempty"`
	Recommendations []Recommendation           `json:"recommendations,omitempty"`
	Pause           *PauseResult               `json:"pause,omitempty"`
	Resume          *ResumeResult              `json:"resume,omitempty"`
}

type OrchestratorDeps struct {
	Gate        *gate.Gate
	Campaigns   collab.CampaignSource
	Leads       collab.LeadSource
	Runs        repository.RunRepository
	Outbox      repository.OutboxRepository
	RunService  *RunService
	Audit       *audit.Emitter
	Triggers    queue.TriggerPublisher
	MaxAttempts int
	// ScheduleSlot buckets launches for idempotency keys.
	ScheduleSlot time.Duration
	Logger       *zap.Logger
}

// Orchestrator serves campaign actions: pre-flight validation, launch,
// optimize, pause and resume.
type Orchestrator struct {
	gate        *gate.Gate
	campaigns   collab.CampaignSource
	leads       collab.LeadSource
	runs        repository.RunRepository
	outbox      repository.OutboxRepository
	runService  *RunService
	audit       *audit.Emitter
	triggers    queue.TriggerPublisher
	maxAttempts int
	slot        time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if deps.Campaigns == nil || deps.Leads == nil {
		return nil, fmt.Errorf("campaign and lead sources are required")
	}
	if deps.Runs == nil || deps.Outbox == nil || deps.RunService == nil {
		return nil, fmt.Errorf("run storage is required")
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = defaultMaxAttempts
	}
	if deps.ScheduleSlot <= 0 {
		deps.ScheduleSlot = time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Orchestrator{
		gate:        deps.Gate,
		campaigns:   deps.Campaigns,
		leads:       deps.Leads,
		runs:        deps.Runs,
		outbox:      deps.Outbox,
		runService:  deps.RunService,
		audit:       deps.Audit,
		triggers:    deps.Triggers,
		maxAttempts: deps.MaxAttempts,
		slot:        deps.ScheduleSlot,
		logger:      deps.Logger,
		now:         time.Now,
	}, nil
}

func (o *Orchestrator) Handle(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	switch req.Action {
	case ActionValidate:
		return o.Validate(ctx, req)
	case ActionLaunch:
		return o.Launch(ctx, req)
	case ActionOptimize:
		return o.Optimize(ctx, req)
	case ActionPause:
		res, err := o.runService.Pause(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Action: ActionPause, Run: res.Run, Pause: res}, nil
	case ActionResume:
		res, err := o.runService.Resume(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		return &ActionResult{Action: ActionResume, Run: res.Run, Resume: res}, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, req.Action)
}

// Validate reports integration readiness per channel without writing.
func (o *Orchestrator) Validate(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	channels, err := domain.ParseChannels(req.Channels)
	if err != nil {
		return nil, err
	}

	statuses, err := o.gate.Validate(ctx, req.TenantID, req.WorkspaceID, channels)
	if err != nil {
		return nil, err
	}
	return &ActionResult{Action: ActionValidate, Integrations: statuses, Errors: notReady(statuses)}, nil
}

// Launch creates a run and its batch jobs. When any requested channel is not
// ready nothing is created and the result lists why.
func (o *Orchestrator) Launch(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if strings.TrimSpace(req.CampaignID) == "" {
		return nil, fmt.Errorf("%w: campaign id is required", domain.ErrValidation)
	}

	validated, err := o.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &ActionResult{Action: ActionLaunch, Integrations: validated.Integrations, Errors: validated.Errors}
	if len(result.Errors) > 0 {
		return result, ErrIntegrationsNotReady
	}

	content, err := o.campaigns.GetContent(ctx, req.TenantID, req.WorkspaceID, req.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", req.CampaignID, err)
	}

	scheduledAt := o.now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	now := o.now().UTC()
	channels := make([]domain.Channel, 0, len(validated.Integrations))
	for _, status := range validated.Integrations {
		channels = append(channels, status.Name)
	}

	run := &domain.Run{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		WorkspaceID:    req.WorkspaceID,
		CampaignID:     req.CampaignID,
		Channels:       channels,
		Status:         domain.RunStatusQueued,
		ContentVersion: content.Version,
		ScheduledSlot:  domain.ScheduleSlot(scheduledAt, o.slot),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	jobs, err := o.buildJobs(ctx, run)
	if err != nil {
		return nil, err
	}
	run.TotalJobs = len(jobs)

	if err := o.runs.Create(ctx, run, jobs); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	observability.WithContextLogger(o.logger, ctx).Info("run launched",
		zap.String("runId", run.ID),
		zap.String("campaignId", run.CampaignID),
		zap.String("channels", domain.ChannelList(run.Channels)),
		zap.Int("jobs", len(jobs)),
	)
	o.audit.Emit(ctx, audit.RunEvent(run, domain.AuditRunQueued,
		fmt.Sprintf("run queued with %d jobs", len(jobs)),
		map[string]any{"channels": domain.ChannelList(run.Channels), "contentVersion": run.ContentVersion},
	))
	wake(ctx, o.triggers, o.logger, run, "launch")

	result.Run = run
	result.JobsCreated = len(jobs)
	return result, nil
}

func (o *Orchestrator) buildJobs(ctx context.Context, run *domain.Run) ([]*domain.Job, error) {
	target := domain.BatchTarget{
		CampaignID:     run.CampaignID,
		ContentVersion: run.ContentVersion,
		ScheduledSlot:  run.ScheduledSlot,
	}

	var leadIDs []string
	loadLeads := func() ([]string, error) {
		if leadIDs != nil {
			return leadIDs, nil
		}
		ids, err := o.leads.ListCampaignLeadIDs(ctx, run.TenantID, run.WorkspaceID, run.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("failed to list campaign leads: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: campaign %s has no leads", domain.ErrValidation, run.CampaignID)
		}
		leadIDs = ids
		return ids, nil
	}

	now := o.now()
	var jobs []*domain.Job
	for _, ch := range run.Channels {
		switch ch {
		case domain.ChannelEmail:
			ids, err := loadLeads()
			if err != nil {
				return nil, err
			}
			for _, chunk := range chunkIDs(ids, ch.MaxBatchSize()) {
				jobs = append(jobs, newJob(run, domain.EmailBatchPayload{BatchTarget: target, LeadIDs: chunk}, o.maxAttempts, now))
			}
		case domain.ChannelVoice:
			ids, err := loadLeads()
			if err != nil {
				return nil, err
			}
			settings, _, err := o.gate.Check(ctx, run.TenantID, run.WorkspaceID, ch)
			if err != nil {
				return nil, err
			}
			mode := settings.VoiceMode
			if !mode.IsValid() {
				mode = domain.VoiceModeLive
			}
			for _, chunk := range chunkIDs(ids, ch.MaxBatchSize()) {
				jobs = append(jobs, newJob(run, domain.VoiceBatchPayload{BatchTarget: target, LeadIDs: chunk, Mode: mode}, o.maxAttempts, now))
			}
		case domain.ChannelSocial:
			settings, _, err := o.gate.Check(ctx, run.TenantID, run.WorkspaceID, ch)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, newJob(run, domain.SocialBatchPayload{BatchTarget: target, AccountID: settings.AccountID}, o.maxAttempts, now))
		}
	}

	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: launch produced no jobs", domain.ErrValidation)
	}
	return jobs, nil
}

const (
	highFailureRatio     = 0.2
	highSkipRatio        = 0.3
	recommendationUsage  = "rate_limit_usage"
	recommendationFail   = "failure_rate"
	recommendationSkip   = "skip_rate"
	recommendationReview = "pending_review"
	recommendationNone   = "none"
)

// Optimize derives recommendations from a run's outbox without changing
// anything.
func (o *Orchestrator) Optimize(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return nil, fmt.Errorf("%w: run id is required", domain.ErrValidation)
	}

	run, err := o.runs.GetByID(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	counts, err := o.outbox.CountByRunStatus(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count run outbox: %w", err)
	}

	type tally struct{ success, failed, skipped, review int64 }
	perChannel := make(map[domain.Channel]*tally)
	for _, c := range counts {
		t, ok := perChannel[c.Channel]
		if !ok {
			t = &tally{}
			perChannel[c.Channel] = t
		}
		switch {
		case c.Status == domain.OutboxStatusPendingReview:
			t.review += c.Count
			t.success += c.Count
		case c.Status.IsSuccess():
			t.success += c.Count
		case c.Status == domain.OutboxStatusFailed:
			t.failed += c.Count
		case c.Status == domain.OutboxStatusSkipped:
			t.skipped += c.Count
		}
	}

	channels := make([]domain.Channel, 0, len(perChannel))
	for ch := range perChannel {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	var recs []Recommendation
	for _, ch := range channels {
		t := perChannel[ch]
		if attempted := t.success + t.failed; attempted > 0 {
			if ratio := float64(t.failed) / float64(attempted); ratio >= highFailureRatio {
				recs = append(recs, Recommendation{
					Channel: ch,
					Kind:    recommendationFail,
					Message: fmt.Sprintf("%.0f%% of %s dispatches failed; review provider errors on the outbox before relaunching", ratio*100, ch),
					Value:   ratio,
				})
			}
		}
		if total := t.success + t.failed + t.skipped; total > 0 {
			if ratio := float64(t.skipped) / float64(total); ratio >= highSkipRatio {
				recs = append(recs, Recommendation{
					Channel: ch,
					Kind:    recommendationSkip,
					Message: fmt.Sprintf("%.0f%% of %s recipients were skipped; clean up missing contact data and opt-outs", ratio*100, ch),
					Value:   ratio,
				})
			}
		}
		if t.review > 0 {
			recs = append(recs, Recommendation{
				Channel: ch,
				Kind:    recommendationReview,
				Message: fmt.Sprintf("%d %s posts await manual review; grant publishing rights to post directly", t.review, ch),
				Value:   float64(t.review),
			})
		}
	}

	for _, ch := range run.Channels {
		usage, err := o.gate.Usage(ctx, run.TenantID, ch)
		if err != nil {
			observability.WithContextLogger(o.logger, ctx).Warn("failed to read rate limit usage",
				zap.String("channel", ch.String()),
				zap.Error(err),
			)
			continue
		}
		if usage.DailyLimit <= 0 {
			continue
		}
		warnAt := domain.RateLimitPolicy{WarningThreshold: usage.WarningThreshold}.WarningAt(usage.DailyLimit)
		if usage.DailyUsed >= warnAt {
			ratio := float64(usage.DailyUsed) / float64(usage.DailyLimit)
			recs = append(recs, Recommendation{
				Channel: ch,
				Kind:    recommendationUsage,
				Message: fmt.Sprintf("%s has used %d of %d daily sends; spread the next launch or raise the limit", ch, usage.DailyUsed, usage.DailyLimit),
				Value:   ratio,
			})
		}
	}

	if len(recs) == 0 {
		recs = append(recs, Recommendation{Kind: recommendationNone, Message: "no changes recommended"})
	}

	return &ActionResult{Action: ActionOptimize, Run: run, Recommendations: recs}, nil
}

func notReady(statuses []domain.IntegrationStatus) []ChannelError {
	var errs []ChannelError
	for _, s := range statuses {
		if !s.Ready {
			errs = append(errs, ChannelError{Channel: s.Name, Error: s.Error})
		}
	}
	return errs
}

func chunkIDs(ids []string, size int) [][]string {
	size = max(size, 1)
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
