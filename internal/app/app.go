// Package app wires configuration into the engine's components. Both
// binaries build the same container and differ only in what they start.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/audit"
	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/dispatch"
	"github.com/kursadbilgin/campaign-engine/internal/gate"
	"github.com/kursadbilgin/campaign-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/campaign-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/campaign-engine/internal/infra/redis"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
	"github.com/kursadbilgin/campaign-engine/internal/queue"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"github.com/kursadbilgin/campaign-engine/internal/repository"
	"github.com/kursadbilgin/campaign-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const triggerPrefetch = 4

type Options struct {
	// ConsumeTriggers attaches the broker consumer that wakes idle pollers.
	ConsumeTriggers bool
	// RunMigrations applies pending schema migrations on startup.
	RunMigrations bool
}

type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB     *gorm.DB
	SQLDB  *sql.DB
	Redis  *goredis.Client
	Broker *queue.RabbitMQ

	Gate             *gate.Gate
	RunService       *service.RunService
	Orchestrator     *service.Orchestrator
	Worker           *service.WorkerService
	StuckScanner     *service.StuckJobScanner
	ReconcileScanner *service.ReconcileScanner
}

func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolOptions{
		MaxOpenConns: cfg.WorkerConcurrency*2 + 4,
		MaxIdleConns: cfg.WorkerConcurrency + 2,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres initialization failed: %w", err)
	}
	c.DB = db
	if c.SQLDB, err = db.DB(); err != nil {
		return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	if opts.RunMigrations {
		if err := migrations.Migrate(db); err != nil {
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
	}

	if c.Redis, err = infraredis.NewRedis(ctx, cfg.RedisURL, infraredis.Options{
		ClientName:   "campaign-engine",
		PoolSize:     cfg.WorkerConcurrency * 2,
		MinIdleConns: 2,
	}); err != nil {
		return nil, fmt.Errorf("redis initialization failed: %w", err)
	}

	if c.Broker, err = queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, "campaign-engine"); err != nil {
		return nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	publisher := queue.NewRabbitMQPublisher(c.Broker)

	jobs := repository.NewGormJobRepo(db)
	runs := repository.NewGormRunRepo(db)
	outbox := repository.NewGormOutboxRepo(db)
	leads := repository.NewGormLeadRepo(db)
	campaigns := repository.NewGormCampaignRepo(db)
	settings := repository.NewGormSettingsRepo(db)

	policies := ratelimit.NewPolicies(repository.NewGormPolicyRepo(db), ratelimit.Defaults{
		HourlyLimit:      cfg.DefaultHourlyLimit,
		DailyLimit:       cfg.DefaultDailyLimit,
		SoftCapEnforced:  cfg.EnforceSoftCap,
		WarningThreshold: cfg.SoftCapPercent,
	})
	quota, err := infraredis.NewQuotaLimiter(c.Redis, policies)
	if err != nil {
		return nil, err
	}
	throttle, err := infraredis.NewProviderThrottle(c.Redis, cfg.ProviderRate)
	if err != nil {
		return nil, err
	}

	creds := cfg.Providers()
	registry, err := provider.NewRegistry(creds, logger)
	if err != nil {
		return nil, fmt.Errorf("provider initialization failed: %w", err)
	}
	channels := []dispatch.Channel{
		dispatch.NewEmailChannel(registry, creds, leads),
		dispatch.NewVoiceChannel(registry.Voice, creds, leads),
		dispatch.NewSocialChannel(registry.Social, creds),
	}
	validators := make([]gate.Validator, 0, len(channels))
	for _, ch := range channels {
		validators = append(validators, ch)
	}
	c.Gate = gate.New(settings, quota, c.Metrics, logger, validators...)

	emitter := audit.NewEmitter(repository.NewGormAuditRepo(db), publisher, logger)

	c.RunService = service.NewRunService(runs, jobs, outbox, emitter, publisher, cfg.MaxAttempts, logger)
	c.RunService.SetMetrics(c.Metrics)

	c.Orchestrator, err = service.NewOrchestrator(service.OrchestratorDeps{
		Gate:         c.Gate,
		Campaigns:    campaigns,
		Leads:        leads,
		Runs:         runs,
		Outbox:       outbox,
		RunService:   c.RunService,
		Audit:        emitter,
		Triggers:     publisher,
		MaxAttempts:  cfg.MaxAttempts,
		ScheduleSlot: cfg.ScheduleSlot,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	runner := dispatch.NewRunner(dispatch.RunnerDeps{
		Channels: channels,
		Gate:     c.Gate,
		Ledger:   outbox,
		Runs:     runs,
		Content:  campaigns,
		Throttle: throttle,
		Metrics:  c.Metrics,
		Logger:   logger,
	})

	var consumer queue.Consumer
	if opts.ConsumeTriggers {
		consumer = queue.NewRabbitMQConsumer(c.Broker, triggerPrefetch, logger)
	}
	c.Worker, err = service.NewWorkerService(jobs, runs, c.RunService, runner, emitter, consumer, service.WorkerOptions{
		Concurrency:  cfg.WorkerConcurrency,
		BatchSize:    cfg.ClaimBatchSize,
		PollInterval: cfg.PollInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	c.Worker.SetMetrics(c.Metrics)

	if c.StuckScanner, err = service.NewStuckJobScanner(jobs, outbox, c.RunService, emitter, 0, cfg.StuckJobTimeout, logger); err != nil {
		return nil, err
	}
	if c.ReconcileScanner, err = service.NewReconcileScanner(runs, c.RunService, 0, logger); err != nil {
		return nil, err
	}

	if err := c.ping(ctx); err != nil {
		return nil, err
	}

	ok = true
	return c, nil
}

func (c *Container) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := postgresql.Ping(ctx, c.DB); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// TickWorkerID names the worker used by on-demand HTTP ticks.
func TickWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return fmt.Sprintf("%s-%d-http", host, os.Getpid())
}

func (c *Container) Close() error {
	var errs []error
	if c.Broker != nil {
		errs = append(errs, c.Broker.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.SQLDB != nil {
		errs = append(errs, c.SQLDB.Close())
	}
	return errors.Join(errs...)
}
