package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
)

// memLedger is an in-memory outbox honouring the unique idempotency key and
// the compare-and-set transitions of the real repository.
type memLedger struct {
	mu      sync.Mutex
	seq     int
	entries map[string]*domain.OutboxEntry
	byKey   map[string]string
	order   []string
}

func newMemLedger() *memLedger {
	return &memLedger{entries: map[string]*domain.OutboxEntry{}, byKey: map[string]string{}}
}

func (l *memLedger) Reserve(ctx context.Context, entry *domain.OutboxEntry) (*domain.OutboxEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entry.TenantID + "|" + entry.WorkspaceID + "|" + entry.IdempotencyKey
	if id, ok := l.byKey[key]; ok {
		existing := *l.entries[id]
		return &existing, true, nil
	}

	l.seq++
	stored := *entry
	stored.ID = fmt.Sprintf("entry-%d", l.seq)
	stored.Status = domain.OutboxStatusQueued
	l.entries[stored.ID] = &stored
	l.byKey[key] = stored.ID
	l.order = append(l.order, stored.ID)

	out := stored
	return &out, false, nil
}

func (l *memLedger) BeginDispatch(ctx context.Context, entryID string) (bool, error) {
	return l.transition(entryID, domain.OutboxStatusQueued, domain.OutboxStatusSending), nil
}

func (l *memLedger) Park(ctx context.Context, entryID string) (bool, error) {
	return l.transition(entryID, domain.OutboxStatusQueued, domain.OutboxStatusPaused), nil
}

func (l *memLedger) transition(id string, from, to domain.OutboxStatus) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok || e.Status != from {
		return false
	}
	e.Status = to
	return true
}

func (l *memLedger) RecordOutcome(ctx context.Context, update repository.OutcomeUpdate) error {
	if !domain.ValidOutcome(update.Channel, update.Status) {
		return fmt.Errorf("%w: bad outcome %s", domain.ErrValidation, update.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[update.EntryID]
	if !ok || (e.Status != domain.OutboxStatusQueued && e.Status != domain.OutboxStatusSending) {
		return domain.ErrConflict
	}
	e.Status = update.Status
	e.ProviderMessageID = optional(update.ProviderMessageID)
	e.Error = optional(update.Error)
	e.SkipReason = optional(update.SkipReason)
	e.Skipped = update.Status == domain.OutboxStatusSkipped
	return nil
}

func (l *memLedger) ListQueuedByRun(ctx context.Context, runID string, channel domain.Channel, limit int) ([]domain.OutboxEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.OutboxEntry
	for _, id := range l.order {
		e := l.entries[id]
		if e.RunID == runID && e.Channel == channel && e.Status == domain.OutboxStatusQueued {
			out = append(out, *e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// requeue mimics resuming a run: paused entries go back to queued.
func (l *memLedger) requeue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Status == domain.OutboxStatusPaused {
			e.Status = domain.OutboxStatusQueued
		}
	}
}

func (l *memLedger) snapshot() []domain.OutboxEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.OutboxEntry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.entries[id])
	}
	return out
}

func (l *memLedger) statusOf(recipientID string) domain.OutboxStatus {
	for _, e := range l.snapshot() {
		if e.RecipientID == recipientID {
			return e.Status
		}
	}
	return ""
}

type fakeRuns struct {
	mu     sync.Mutex
	paused bool
}

func (f *fakeRuns) setPaused(p bool) {
	f.mu.Lock()
	f.paused = p
	f.mu.Unlock()
}

func (f *fakeRuns) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Run{ID: id, Status: domain.RunStatusRunning, Paused: f.paused}, nil
}

type fakeContent struct {
	content *domain.CampaignContent
}

func (f *fakeContent) GetContent(ctx context.Context, tenantID, workspaceID, campaignID string) (*domain.CampaignContent, error) {
	if f.content == nil || f.content.CampaignID != campaignID {
		return nil, domain.ErrNotFound
	}
	c := *f.content
	return &c, nil
}

type fakeLeads struct {
	leads []domain.Lead
}

func (f *fakeLeads) GetByIDs(ctx context.Context, tenantID, workspaceID string, ids []string) ([]domain.Lead, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.Lead
	for _, l := range f.leads {
		if want[l.ID] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLeads) ListCampaignLeadIDs(ctx context.Context, tenantID, workspaceID, campaignID string) ([]string, error) {
	ids := make([]string, 0, len(f.leads))
	for _, l := range f.leads {
		ids = append(ids, l.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeSettings struct {
	byChannel map[domain.Channel]*domain.ChannelSettings
}

func (f *fakeSettings) GetChannelSettings(ctx context.Context, tenantID, workspaceID string, channel domain.Channel) (*domain.ChannelSettings, error) {
	s, ok := f.byChannel[channel]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *s
	return &c, nil
}

type fakeLimiter struct {
	reserveFn func(n int64) (domain.RateLimitDecision, error)
	mu        sync.Mutex
	released  int64
}

func (f *fakeLimiter) Reserve(ctx context.Context, tenantID string, channel domain.Channel, n int64) (domain.RateLimitDecision, error) {
	return f.reserveFn(n)
}

func (f *fakeLimiter) Release(ctx context.Context, tenantID string, channel domain.Channel, n int64) error {
	f.mu.Lock()
	f.released += n
	f.mu.Unlock()
	return nil
}

func (f *fakeLimiter) State(ctx context.Context, tenantID string, channel domain.Channel) (domain.RateLimitState, error) {
	return domain.RateLimitState{TenantID: tenantID, Channel: channel}, nil
}

type fakeEmailSender struct {
	mu     sync.Mutex
	sendFn func(msg provider.EmailMessage) (*provider.ProviderResponse, error)
	calls  map[string]int
}

func (f *fakeEmailSender) Name() string { return "sendgrid" }

func (f *fakeEmailSender) SendEmail(ctx context.Context, msg provider.EmailMessage) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[msg.ToEmail]++
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(msg)
	}
	return &provider.ProviderResponse{StatusCode: 202, MessageID: "msg-" + msg.ToEmail}, nil
}

func (f *fakeEmailSender) callCount(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[email]
}

func (f *fakeEmailSender) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type fakeVoiceClient struct {
	mu          sync.Mutex
	calls       []provider.CallRequest
	synthesized int
}

func (f *fakeVoiceClient) Name() string { return "voice" }

func (f *fakeVoiceClient) PlaceCall(ctx context.Context, req provider.CallRequest) (*provider.ProviderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return &provider.ProviderResponse{StatusCode: 201, MessageID: fmt.Sprintf("call-%d", len(f.calls))}, nil
}

func (f *fakeVoiceClient) Synthesize(ctx context.Context, req provider.SynthesisRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synthesized++
	return "https://audio.example.com/speech.mp3", nil
}

type fakeSocialClient struct {
	published int
}

func (f *fakeSocialClient) Name() string { return "social" }

func (f *fakeSocialClient) Publish(ctx context.Context, req provider.PostRequest) (*provider.ProviderResponse, error) {
	f.published++
	return &provider.ProviderResponse{StatusCode: 201, MessageID: "post-1"}, nil
}
