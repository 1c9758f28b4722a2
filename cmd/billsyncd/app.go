package main

import (
	"context"
	"fmt"

	gcpfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/useautumn/autumn-sub003/internal/config"
	notifyamqp "github.com/useautumn/autumn-sub003/notify/amqp"
	"github.com/useautumn/autumn-sub003/pkg/billing"
	billingprom "github.com/useautumn/autumn-sub003/pkg/billing/metrics/prometheus"
	"github.com/useautumn/autumn-sub003/pkg/billing/stripe"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
	syncprom "github.com/useautumn/autumn-sub003/pkg/billsync/metrics/prometheus"
	"github.com/useautumn/autumn-sub003/pkg/reconcile"
	"github.com/useautumn/autumn-sub003/storage/firestore"
	"github.com/useautumn/autumn-sub003/storage/memory"
	"github.com/useautumn/autumn-sub003/storage/postgres"
	"github.com/useautumn/autumn-sub003/storage/redis"
)

// app holds the wired service components.
type app struct {
	cfg      *config.Config
	logger   billsync.Logger
	registry *prometheus.Registry

	engine         *reconcile.Engine
	tenants        billing.StaticTenants
	billingMetrics billing.Metrics

	checks  map[string]func(ctx context.Context) error
	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger billsync.Logger) (*app, error) {
	a := &app{
		cfg:            cfg,
		logger:         logger,
		registry:       prometheus.NewRegistry(),
		tenants:        tenantsFromConfig(cfg.Tenants),
		billingMetrics: &billing.NoopMetrics{},
		checks:         make(map[string]func(ctx context.Context) error),
	}

	var syncMetrics billsync.Metrics = &billsync.NoopMetrics{}
	if cfg.Metrics.Enabled {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		syncMetrics = syncprom.NewMetrics(a.registry, cfg.Metrics.Namespace)
		a.billingMetrics = billingprom.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	store, err := a.newStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	locker, handoff, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var publisher billsync.Publisher = billsync.NoopPublisher{}
	if cfg.AMQP.URL != "" {
		p, err := notifyamqp.New(notifyamqp.Config{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange, Logger: logger})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = p.Close() })
		publisher = p
	}

	policy := billsync.FailClosed
	if cfg.Engine.LockPolicy == "fail_open" {
		policy = billsync.FailOpen
	}

	a.engine, err = reconcile.New(reconcile.Config{
		Store:           store,
		Locker:          locker,
		Handoff:         handoff,
		Logger:          logger,
		Metrics:         syncMetrics,
		Publisher:       publisher,
		LockPolicy:      policy,
		IdempotencyTTL:  cfg.Engine.IdempotencyTTL,
		MutationLockTTL: cfg.Engine.MutationLockTTL,
		HandoffTTL:      cfg.Engine.HandoffTTL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) newStore(ctx context.Context) (billsync.Store, error) {
	if a.cfg.Storage.Store != "postgres" {
		a.logger.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = a.cfg.Storage.Postgres.DSN
	pgCfg.AutoMigrate = a.cfg.Storage.Postgres.AutoMigrate
	if a.cfg.Storage.Postgres.MaxConns > 0 {
		pgCfg.MaxConns = a.cfg.Storage.Postgres.MaxConns
	}
	store, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.checks["postgres"] = store.Ping
	return store, nil
}

func (a *app) newLocker(ctx context.Context) (billsync.Locker, billsync.HandoffCache, error) {
	switch a.cfg.Storage.Locker {
	case "redis":
		rc := a.cfg.Storage.Redis
		client := goredis.NewClient(&goredis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		s, err := redis.New(client, redis.Config{KeyPrefix: rc.KeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.checks["redis"] = s.Ping
		return s, s, nil

	case "firestore":
		client, err := gcpfirestore.NewClient(ctx, a.cfg.Storage.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{LocksCollection: a.cfg.Storage.Firestore.Collection})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		// handoff stays node-local; a lost entry only skips final usage of an expired product
		return s, memory.NewHandoffCache(), nil

	default:
		return memory.NewLocker(), memory.NewHandoffCache(), nil
	}
}

// stripeConfig is the adapter configuration shared by the webhook handler and replay.
func (a *app) stripeConfig() stripe.Config {
	return stripe.Config{
		Config: billing.Config{
			Tenants:         a.tenants,
			Sink:            a.engine,
			MaxBodyBytes:    a.cfg.Stripe.MaxBodyBytes,
			RateLimit:       a.cfg.Stripe.RateLimit,
			BreakerFailures: a.cfg.Stripe.BreakerFailures,
			BreakerTimeout:  a.cfg.Stripe.BreakerTimeout,
			Logger:          a.logger,
			Metrics:         a.billingMetrics,
		},
		APIURL: a.cfg.Stripe.APIURL,
	}
}

// Close releases backends in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func tenantsFromConfig(list []config.TenantConfig) billing.StaticTenants {
	tenants := make(billing.StaticTenants, 0, len(list))
	for _, t := range list {
		env, _ := billsync.ParseEnv(t.Env)
		tenants = append(tenants, billing.Tenant{
			Org: billsync.Org{
				ID:     t.OrgID,
				Slug:   t.Slug,
				Config: billsync.OrgConfig{ScheduleDefaultOnCancel: t.ScheduleDefaultOnCancel},
			},
			Env:           env,
			APIKey:        t.APIKey,
			WebhookSecret: t.WebhookSecret,
		})
	}
	return tenants
}
