package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

// Scope identifies the tenant, run and job a unit of work belongs to.
type Scope struct {
	TenantID    string
	WorkspaceID string
	RunID       string
	JobID       string
	WorkerID    string
}

type scopeKey struct{}

// WithScope merges non-empty fields of scope into any scope already on ctx.
func WithScope(ctx context.Context, scope Scope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	merged, _ := ScopeFromContext(ctx)
	if scope.TenantID != "" {
		merged.TenantID = scope.TenantID
	}
	if scope.WorkspaceID != "" {
		merged.WorkspaceID = scope.WorkspaceID
	}
	if scope.RunID != "" {
		merged.RunID = scope.RunID
	}
	if scope.JobID != "" {
		merged.JobID = scope.JobID
	}
	if scope.WorkerID != "" {
		merged.WorkerID = scope.WorkerID
	}

	return context.WithValue(ctx, scopeKey{}, merged)
}

func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 6)
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlationId", correlationID))
	}
	if scope, ok := ScopeFromContext(ctx); ok {
		for _, f := range []struct{ key, value string }{
			{"tenantId", scope.TenantID},
			{"workspaceId", scope.WorkspaceID},
			{"runId", scope.RunID},
			{"jobId", scope.JobID},
			{"workerId", scope.WorkerID},
		} {
			if f.value != "" {
				fields = append(fields, zap.String(f.key, f.value))
			}
		}
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
