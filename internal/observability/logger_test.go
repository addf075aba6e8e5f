package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level     string
		wantDebug bool
		wantErr   bool
	}{
		{level: "debug", wantDebug: true},
		{level: " WARN "},
		{level: ""},
		{level: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.level)
			if tt.wantErr {
				if err == nil || logger != nil {
					t.Fatalf("NewLogger(%q) = %v, %v; want error", tt.level, logger, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", tt.level, err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Fatalf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestCorrelationIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ctx    context.Context
		want   string
		wantOK bool
	}{
		{name: "set", ctx: WithCorrelationID(context.Background(), "req-123"), want: "req-123", wantOK: true},
		{name: "empty value", ctx: WithCorrelationID(context.Background(), "")},
		{name: "missing", ctx: context.Background()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := CorrelationIDFromContext(tt.ctx)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("CorrelationIDFromContext() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "trigger-789")
	loggerWithContext := WithContextLogger(baseLogger, ctx)
	loggerWithContext.Info("message with correlation")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if got := entries[0].ContextMap()["correlationId"]; got != "trigger-789" {
		t.Fatalf("correlationId=%v, want=%q", got, "trigger-789")
	}
}

func TestWithContextLogger_NoCorrelationID(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	loggerWithContext := WithContextLogger(baseLogger, context.Background())
	loggerWithContext.Info("message without correlation")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if _, ok := entries[0].ContextMap()["correlationId"]; ok {
		t.Fatal("expected correlationId field to be absent")
	}
}

func TestWithContextLogger_Scope(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	ctx := WithScope(context.Background(), Scope{TenantID: "t-1", RunID: "run-1", WorkerID: "host-1-0"})
	ctx = WithScope(ctx, Scope{JobID: "job-7"})
	WithContextLogger(baseLogger, ctx).Info("processing job")

	fields := recorded.All()[0].ContextMap()
	for key, want := range map[string]string{"tenantId": "t-1", "runId": "run-1", "jobId": "job-7", "workerId": "host-1-0"} {
		if got := fields[key]; got != want {
			t.Fatalf("%s=%v, want=%q", key, got, want)
		}
	}
	if _, ok := fields["workspaceId"]; ok {
		t.Fatal("empty scope fields should be omitted")
	}
}

func TestWithContextLogger_NilLogger(t *testing.T) {
	t.Parallel()

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("expected nil logger")
	}
}
