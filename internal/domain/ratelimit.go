package domain

import "time"

// Default soft-cap warning threshold, as a percentage of the limit.
const DefaultWarningThreshold = 80

// RateLimitPolicy holds the per-tenant, per-channel consumption limits.
// A zero limit means the window is unlimited.
type RateLimitPolicy struct {
	TenantID         string
	Channel          Channel
	HourlyLimit      int64
	DailyLimit       int64
	SoftCapEnforced  bool
	WarningThreshold int
}

// WarningAt returns the usage count at which a soft-cap warning is raised.
func (p RateLimitPolicy) WarningAt(limit int64) int64 {
	threshold := p.WarningThreshold
	if threshold <= 0 || threshold > 100 {
		threshold = DefaultWarningThreshold
	}
	return limit * int64(threshold) / 100
}

// RateLimitState is a snapshot of the counters for one tenant and channel.
type RateLimitState struct {
	TenantID         string
	Channel          Channel
	HourlyLimit      int64
	HourlyUsed       int64
	HourlyResetAt    time.Time
	DailyLimit       int64
	DailyUsed        int64
	DailyResetAt     time.Time
	SoftCapEnforced  bool
	WarningThreshold int
}

// RateLimitDecision is the result of an increment-and-check.
type RateLimitDecision struct {
	// Allowed is set when at least one unit was granted.
	Allowed bool
	// Granted is how many of the requested units were counted. It is lower
	// than the request when an enforced window has less room left.
	Granted int64
	// Warning is set once usage crosses the soft-cap threshold.
	Warning bool
	// OverLimit is set when the limit is exceeded but not enforced.
	OverLimit  bool
	HourlyUsed int64
	DailyUsed  int64
	// RetryAt is the reset of the window that holds back the units not
	// granted.
	RetryAt time.Time
	Reason  string
}
