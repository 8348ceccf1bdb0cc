// Package app assembles the dispatch engine from configuration. The server
// and worker binaries share it so both run the same wiring.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/broadcast-dispatch/internal/config"
	"github.com/unclebandit/broadcast-dispatch/internal/crm"
	"github.com/unclebandit/broadcast-dispatch/internal/db"
	"github.com/unclebandit/broadcast-dispatch/internal/distlock"
	"github.com/unclebandit/broadcast-dispatch/internal/logger"
	"github.com/unclebandit/broadcast-dispatch/internal/provider"
	"github.com/unclebandit/broadcast-dispatch/internal/queue"
	"github.com/unclebandit/broadcast-dispatch/internal/ratelimit"
	"github.com/unclebandit/broadcast-dispatch/internal/repository"
	"github.com/unclebandit/broadcast-dispatch/internal/repository/memory"
	"github.com/unclebandit/broadcast-dispatch/internal/service"
)

const schedulerLockKey = "broadcast-dispatch:scheduler"

// App holds every long-lived dependency.
type App struct {
	Config    *config.Config
	Log       zerolog.Logger
	DB        *sql.DB
	Redis     *redis.Client
	Queue     queue.Queue
	Provider  provider.Adapter
	CRM       *crm.SyncService
	Service   *service.BroadcastService
	Scheduler *service.Scheduler
	Pool      *service.SenderPool
	Recovery  *service.StaleClaimRecovery

	recipients repository.RecipientRepositoryInterface
}

// New connects to the configured backends and builds the service layer. The
// engine is built but not started.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	var (
		broadcasts repository.BroadcastRepositoryInterface
		dedup      repository.DedupRepositoryInterface
	)
	switch cfg.Database.Driver {
	case "memory":
		store := memory.New()
		broadcasts, a.recipients, dedup = store, store, store
	case "postgres":
		a.DB, err = db.Open(ctx, cfg.Database, logger.With(log, "db"))
		if err != nil {
			return nil, err
		}
		rr := &repository.RecipientRepository{DB: a.DB}
		broadcasts, a.recipients, dedup = &repository.BroadcastRepository{DB: a.DB}, rr, rr
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	if cfg.AMQP.URL != "" {
		q, err := queue.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, logger.With(log, "amqp"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		a.Queue = queue.NewInMemoryQueue(logger.With(log, "queue"))
	}

	var templates provider.TemplateFetcher
	switch cfg.Provider.Kind {
	case "mock":
		a.Provider = provider.NewMockSender(cfg.Provider.MockFailRate)
	case "whatsapp":
		creds := make(map[string]provider.Credentials, len(cfg.Accounts))
		for _, acc := range cfg.Accounts {
			creds[acc.ID] = provider.Credentials{BusinessAccountID: acc.BusinessAccountID, AccessToken: acc.AccessToken}
		}
		wa := provider.NewWhatsAppClient(cfg.Provider.BaseURL, cfg.Provider.APIVersion, creds,
			cfg.Pool.ProviderTimeout, logger.With(log, "whatsapp"))
		a.Provider, templates = wa, wa
	default:
		a.Close()
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}

	adapters := make(map[string]crm.Adapter, len(cfg.Chatwoot))
	for id, cw := range cfg.Chatwoot {
		adapters[id] = crm.NewChatwootClient(cw.BaseURL, cw.AccountID, cw.InboxID, cw.Token, logger.With(log, "chatwoot"))
	}
	a.CRM = crm.NewSyncService(adapters, logger.With(log, "crm"))

	a.Service = &service.BroadcastService{
		Broadcasts: broadcasts,
		Recipients: a.recipients,
		Dedup:      &service.DedupService{Repo: dedup},
		Templates:  templates,
		Accounts:   cfg,
		Queue:      a.Queue,
		MaxRetries: cfg.Pool.MaxRetries,
		Location:   loc,
		Log:        logger.With(log, "broadcasts"),
	}
	a.buildEngine()
	return a, nil
}

func (a *App) buildEngine() {
	cfg := a.Config
	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == "redis" && a.Redis != nil {
		limiter = ratelimit.NewRedis(a.Redis, cfg.Rate)
	} else {
		limiter = ratelimit.NewLocal(cfg.Rate)
	}

	a.Pool = service.NewSenderPool(a.recipients, a.Service, a.Provider, limiter, service.PoolConfig{
		WorkersPerAccount: cfg.Pool.WorkersPerAccount,
		MaxRetries:        cfg.Pool.MaxRetries,
		BackoffBase:       cfg.Pool.BackoffBase,
		BackoffMax:        cfg.Pool.BackoffMax,
		ProviderTimeout:   cfg.Pool.ProviderTimeout,
		IdleInterval:      cfg.Pool.IdleInterval,
	}, logger.With(a.Log, "sender"))
	if len(cfg.Chatwoot) > 0 {
		a.Pool.CRM = a.CRM
	}

	lock := distlock.New(a.Redis, a.DB, schedulerLockKey, cfg.Scheduler.LockTTL)
	a.Scheduler = service.NewScheduler(a.Service, a.Pool, lock, cfg.Scheduler.TickInterval, logger.With(a.Log, "scheduler"))
	a.Recovery = service.NewStaleClaimRecovery(a.recipients, a.Service, cfg.Pool.ClaimTTL, logger.With(a.Log, "recovery"))
}

// StartEngine starts the sender pool, scheduler and claim recovery, and
// subscribes the scheduler to lifecycle events.
func (a *App) StartEngine(ctx context.Context) error {
	if _, err := a.Recovery.Run(ctx); err != nil {
		a.Log.Warn().Err(err).Msg("startup claim recovery failed")
	}
	a.Pool.Start(ctx)
	if err := a.Recovery.Start(ctx, a.Config.Pool.RecoveryInterval); err != nil {
		return err
	}
	if err := a.Queue.Subscribe(queue.TopicBroadcastEvents, a.Scheduler.HandleEvent); err != nil {
		return fmt.Errorf("subscribe to broadcast events: %w", err)
	}
	a.Scheduler.Start(ctx)
	return nil
}

// StopEngine stops admitting work and waits for in-flight sends to land.
func (a *App) StopEngine() {
	a.Scheduler.Stop()
	a.Recovery.Stop()
	a.Pool.Stop()
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("close queue")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
