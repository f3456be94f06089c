package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/manthysbr/aule-escrow/internal/adapters/memory"
	"github.com/manthysbr/aule-escrow/internal/adapters/payments"
	"github.com/manthysbr/aule-escrow/internal/adapters/ratelimit"
	"github.com/manthysbr/aule-escrow/internal/adapters/secretscan"
	"github.com/manthysbr/aule-escrow/internal/adapters/sqlstore"
	"github.com/manthysbr/aule-escrow/internal/config"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/manthysbr/aule-escrow/internal/core/services"
	"github.com/manthysbr/aule-escrow/internal/export"
	"github.com/manthysbr/aule-escrow/internal/webhook"
)

// app holds the wired services shared by the serve, sweep and ledger commands.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     ports.Store
	settings  *config.SettingsStore
	ledger    *services.EscrowLedger
	workers   *services.WorkerDirectory
	events    *services.EventBus
	lifecycle *services.JobLifecycle
	sweep     *services.TimeoutSweep
	limiter   ports.RateLimiter
	exporter  *export.Service
	closers   []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	secretKey, err := config.NewSecretKey(cfg.SecretKey, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init secret key: %w", err)
	}

	fee, err := cfg.FeePercent()
	if err != nil {
		return nil, err
	}
	a.settings, err = config.NewSettingsStore(ctx, logger, a.store, secretKey, domain.PlatformSettings{
		FeePercent:     fee,
		PaymentsAPIKey: cfg.Payments.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init settings store: %w", err)
	}

	a.limiter, err = a.openLimiter(ctx)
	if err != nil {
		return nil, err
	}

	scanner, err := secretscan.New(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init secrets scanner: %w", err)
	}

	a.events = services.NewEventBus(logger)
	a.ledger = services.NewEscrowLedger(logger, a.store, a.newPayments(), a.settings, nil)
	a.workers = services.NewWorkerDirectory(logger, a.store, secretKey, cfg.Webhook.RequireSecret, nil)
	dispatcher := webhook.NewClient(logger, webhook.ClientConfig{
		Timeout:    cfg.Webhook.Timeout,
		MaxRetries: cfg.Webhook.MaxRetries,
	}, nil)

	a.lifecycle = services.NewJobLifecycle(logger, a.store, a.ledger, a.workers, scanner, dispatcher,
		services.NewAuditLog(logger), a.events, services.LifecycleConfig{
			CallbackBaseURL:      cfg.HTTP.PublicBaseURL,
			RequireWebhookSecret: cfg.Webhook.RequireSecret,
			DefaultSkillTimeout:  cfg.Skill.DefaultTimeout,
			DefaultWorkerTimeout: cfg.Jobs.DefaultWorkerTimeout,
		})
	a.sweep = services.NewTimeoutSweep(logger, a.lifecycle, services.SweepConfig{
		Interval: cfg.Sweep.Interval,
		Workers:  int64(cfg.Sweep.Workers),
	})
	a.exporter = export.NewService(a.ledger, logger)
	return a, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (ports.Store, error) {
	switch cfg.DB.Driver {
	case "memory":
		logger.Warn("using in-memory store, all data is lost on exit")
		return memory.NewStore(), nil
	case string(sqlstore.DialectDuckDB), string(sqlstore.DialectSQLite):
		if err := os.MkdirAll(filepath.Dir(cfg.DB.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlstore.Open(ctx, logger, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	return store, nil
}

func (a *app) openLimiter(ctx context.Context) (ports.RateLimiter, error) {
	if a.cfg.RateLimit.RedisAddr == "" {
		return ratelimit.NewMemory(nil), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RateLimit.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RateLimit.RedisAddr, err)
	}
	a.closers = append(a.closers, rdb.Close)
	a.logger.Info("rate limiter backed by redis", "addr", a.cfg.RateLimit.RedisAddr)
	return ratelimit.NewRedis(rdb, nil), nil
}

// newPayments selects the processor backend. The API key follows settings
// changes without a restart.
func (a *app) newPayments() ports.PaymentBackend {
	if a.cfg.Payments.BaseURL == "" {
		a.logger.Warn("payments.base_url not set, using simulated payment backend")
		return payments.NewSimulated()
	}

	key := a.settings.Get().PaymentsAPIKey
	if key == "" {
		key = a.cfg.Payments.APIKey
	}
	backend := payments.NewHTTPBackend(a.logger, payments.HTTPConfig{
		BaseURL:    a.cfg.Payments.BaseURL,
		APIKey:     key,
		Currency:   a.cfg.Payments.Currency,
		Timeout:    a.cfg.Payments.Timeout,
		MaxRetries: a.cfg.Payments.MaxRetries,
	})
	a.settings.OnChange(func(s domain.PlatformSettings) {
		if s.PaymentsAPIKey != "" {
			backend.SetAPIKey(s.PaymentsAPIKey)
			a.logger.Info("payments API key reloaded from settings change")
		}
	})
	return backend
}
