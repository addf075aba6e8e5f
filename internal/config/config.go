package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL    string `env:"RABBITMQ_URL,required=true"`
	RedisURL       string `env:"REDIS_URL,required=true"`
	InternalSecret string `env:"INTERNAL_SECRET,required=true"`

	SendGridAPIKey  string        `env:"SENDGRID_API_KEY"`
	SendGridBaseURL string        `env:"SENDGRID_BASE_URL"`
	MailgunAPIKey   string        `env:"MAILGUN_API_KEY"`
	MailgunDomain   string        `env:"MAILGUN_DOMAIN"`
	VoiceAPIURL     string        `env:"VOICE_API_URL"`
	VoiceAPIKey     string        `env:"VOICE_API_KEY"`
	SocialAPIURL    string        `env:"SOCIAL_API_URL"`
	SocialAPIKey    string        `env:"SOCIAL_API_KEY"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT,default=15s"`
	ProviderRate    int           `env:"PROVIDER_RATE_PER_SEC,default=50"`

	ClaimBatchSize    int           `env:"CLAIM_BATCH_SIZE,default=5"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS,default=3"`
	PollInterval      time.Duration `env:"POLL_INTERVAL,default=1m"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4"`
	StuckJobTimeout   time.Duration `env:"STUCK_JOB_TIMEOUT,default=10m"`
	ScheduleSlot      time.Duration `env:"SCHEDULE_SLOT,default=1h"`

	DefaultHourlyLimit int64 `env:"DEFAULT_HOURLY_LIMIT,default=0"`
	DefaultDailyLimit  int64 `env:"DEFAULT_DAILY_LIMIT,default=0"`
	SoftCapPercent     int   `env:"SOFT_CAP_PERCENT,default=80"`
	EnforceSoftCap     bool  `env:"ENFORCE_SOFT_CAP,default=true"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Providers holds the process-wide provider credentials handed to the
// dispatchers at startup.
type Providers struct {
	SendGridAPIKey  string
	SendGridBaseURL string
	MailgunAPIKey   string
	MailgunDomain   string
	VoiceAPIURL     string
	VoiceAPIKey     string
	SocialAPIURL    string
	SocialAPIKey    string
	Timeout         time.Duration
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Providers() Providers {
	return Providers{
		SendGridAPIKey:  strings.TrimSpace(c.SendGridAPIKey),
		SendGridBaseURL: strings.TrimSpace(c.SendGridBaseURL),
		MailgunAPIKey:   strings.TrimSpace(c.MailgunAPIKey),
		MailgunDomain:   strings.TrimSpace(c.MailgunDomain),
		VoiceAPIURL:     strings.TrimSpace(c.VoiceAPIURL),
		VoiceAPIKey:     strings.TrimSpace(c.VoiceAPIKey),
		SocialAPIURL:    strings.TrimSpace(c.SocialAPIURL),
		SocialAPIKey:    strings.TrimSpace(c.SocialAPIKey),
		Timeout:         c.ProviderTimeout,
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.InternalSecret) == "" {
		return fmt.Errorf("INTERNAL_SECRET must not be blank")
	}
	if c.ClaimBatchSize < 1 {
		return fmt.Errorf("CLAIM_BATCH_SIZE must be >= 1, got %d", c.ClaimBatchSize)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.ProviderRate < 1 {
		return fmt.Errorf("PROVIDER_RATE_PER_SEC must be >= 1, got %d", c.ProviderRate)
	}
	if c.SoftCapPercent < 1 || c.SoftCapPercent > 100 {
		return fmt.Errorf("SOFT_CAP_PERCENT must be between 1 and 100, got %d", c.SoftCapPercent)
	}
	if c.DefaultHourlyLimit < 0 || c.DefaultDailyLimit < 0 {
		return fmt.Errorf("default rate limits must not be negative")
	}
	return nil
}
