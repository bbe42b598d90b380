// Package app wires the bot together: config, logging, storage, rate
// limiting, the broadcast engine, the payment processor, the webhook boundary
// and the Telegram transport. Everything is constructed explicitly here; no
// package-level singletons.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"

	"elitebot/internal/bot"
	"elitebot/internal/broadcast"
	"elitebot/internal/config"
	"elitebot/internal/payments"
	"elitebot/internal/ratelimit"
	"elitebot/internal/storage"
	"elitebot/internal/telegram"
	"elitebot/internal/webhook"
	logx "elitebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger

	store      *storage.Store
	rdb        *redis.Client
	memLimiter *ratelimit.Memory
	limiter    *ratelimit.Service

	adapter   *telegram.Adapter
	engine    *broadcast.Engine
	processor *payments.Processor
	orders    *payments.Service
	router    *bot.Router
	web       *webhook.Server

	maint *maintenance

	updates chan telegram.Update
	cancel  context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")

	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = "./elitebot.db"
	}
	store, err := storage.Open(storage.Config{Path: storePath, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	// Limiter backend: Redis when configured, in-process otherwise. Callers
	// only ever see ratelimit.Service.
	var (
		rdb        *redis.Client
		memLimiter *ratelimit.Memory
		backend    ratelimit.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		backend = ratelimit.NewRedis(rdb, log.With(logx.String("comp", "ratelimit")))
		log.Info("rate limiter backend: redis", logx.String("addr", cfg.Redis.Addr))
	} else {
		memLimiter = ratelimit.NewMemory()
		backend = memLimiter
		log.Info("rate limiter backend: memory")
	}
	limiter := ratelimit.NewService(backend)

	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	bcCfg, err := broadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := broadcast.New(bcCfg, limiter, store, adapter, store, log.With(logx.String("comp", "broadcast")))

	processor := payments.NewProcessor(store, adapter, log.With(logx.String("comp", "payments")))
	orders := payments.NewService(store)

	routerCfg, err := routerConfig(cfg)
	if err != nil {
		return nil, err
	}
	router := bot.NewRouter(routerCfg, adapter, store, orders, store, store, engine, limiter, log.With(logx.String("comp", "bot")))

	var web *webhook.Server
	if cfg.Webhook.Enabled {
		webCfg, err := webhookConfig(cfg)
		if err != nil {
			return nil, err
		}
		web = webhook.NewServer(webCfg, processor, orders, limiter, log.With(logx.String("comp", "webhook")))
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		store:      store,
		rdb:        rdb,
		memLimiter: memLimiter,
		limiter:    limiter,
		adapter:    adapter,
		engine:     engine,
		processor:  processor,
		orders:     orders,
		router:     router,
		web:        web,
		updates:    make(chan telegram.Update, 256),
	}
	a.maint = newMaintenance(cfg.Maintenance, store, memLimiter, log.With(logx.String("comp", "maintenance")))
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.adapter.Start(rctx, a.updates); err != nil {
		cancel()
		return err
	}
	go a.router.Run(rctx, a.updates)

	if a.web != nil {
		if err := a.web.Start(); err != nil {
			cancel()
			return fmt.Errorf("webhook server: %w", err)
		}
	}

	a.maint.Start()

	go func() {
		if err := a.cfgm.Watch(rctx); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	go a.reapplyLoop(rctx)

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("started")
	return nil
}

// reapplyLoop pushes reloaded config into the components that support live
// re-apply: broadcast width/rps and the inbound message limits. Everything
// else (token, storage path, webhook addr) needs a restart.
func (a *App) reapplyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-sub:
			if bcCfg, err := broadcastConfig(cfg); err == nil {
				a.engine.Apply(bcCfg)
			} else {
				a.log.Warn("broadcast config re-apply failed", logx.Err(err))
			}
			if rCfg, err := routerConfig(cfg); err == nil {
				a.router.Apply(rCfg)
			} else {
				a.log.Warn("bot config re-apply failed", logx.Err(err))
			}
			a.log.Info("runtime config re-applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	a.maint.Stop()
	if a.web != nil {
		if err := a.web.Stop(ctx); err != nil {
			a.log.Warn("webhook shutdown failed", logx.Err(err))
		}
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("telegram shutdown failed", logx.Err(err))
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.log.Close()
	return nil
}

// ---- config mapping ----

func broadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	window, err := config.ParseDurationOrDefault("broadcast.per_user_window", cfg.Broadcast.PerUserWindow, 60*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("broadcast.send_timeout", cfg.Broadcast.SendTimeout, 10*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:       cfg.Broadcast.Workers,
		RatePerSec:    cfg.Broadcast.RatePerSec,
		PerUserLimit:  cfg.Broadcast.PerUserLimit,
		PerUserWindow: window,
		SendTimeout:   sendTimeout,
	}, nil
}

func routerConfig(cfg *config.Config) (bot.Config, error) {
	window, err := config.ParseDurationOrDefault("limits.messages_window", cfg.Limits.MessagesWindow, 30*time.Second)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{
		OwnerUserIDs:   cfg.Telegram.OwnerUserIDs,
		MessagesLimit:  cfg.Limits.MessagesLimit,
		MessagesWindow: window,
	}, nil
}

func webhookConfig(cfg *config.Config) (webhook.Config, error) {
	window, err := config.ParseDurationOrDefault("limits.webhook_window", cfg.Limits.WebhookWindow, time.Second)
	if err != nil {
		return webhook.Config{}, err
	}
	read, err := config.ParseDurationField("webhook.read_timeout", cfg.Webhook.ReadTimeout)
	if err != nil {
		return webhook.Config{}, err
	}
	write, err := config.ParseDurationField("webhook.write_timeout", cfg.Webhook.WriteTimeout)
	if err != nil {
		return webhook.Config{}, err
	}
	idle, err := config.ParseDurationField("webhook.idle_timeout", cfg.Webhook.IdleTimeout)
	if err != nil {
		return webhook.Config{}, err
	}
	return webhook.Config{
		Addr:         cfg.Webhook.Addr,
		SecretToken:  cfg.Webhook.SecretToken,
		Limit:        cfg.Limits.WebhookLimit,
		Window:       window,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
