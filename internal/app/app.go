// Package app assembles the castdeck process: config, logging, store,
// identity, publisher, intake API, and the dispatch loop, plus config
// hot-reload fan-out.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castdeck/internal/config"
	"castdeck/internal/dispatch"
	"castdeck/internal/eventbus"
	"castdeck/internal/httpapi"
	"castdeck/internal/identity"
	"castdeck/internal/intake"
	"castdeck/internal/notifier"
	"castdeck/internal/publisher"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	st  store.Store
	bus eventbus.Bus

	api   *httpapi.Server
	disp  *dispatch.Service
	notif *notifier.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfigFrom(cfg))
	log = log.With(logx.String("comp", "app"))

	stCfg, err := storeConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	resolver, err := identity.NewJWTResolver(cfg.Identity.PublicKeyPath, cfg.Identity.Issuer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("identity: %w", err)
	}

	pubCfg, err := publisherConfigFrom(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	pub, err := publisher.NewFarcaster(pubCfg, log.With(logx.String("comp", "publisher")))
	if err != nil {
		st.Close()
		return nil, err
	}

	in := intake.New(st, log.With(logx.String("comp", "intake")))
	bus := eventbus.New()

	dispCfg, err := dispatchConfigFrom(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg, st, pub, bus, log.With(logx.String("comp", "dispatch")))

	var notif *notifier.Service
	if cfg.Alerts != nil && cfg.Alerts.Enabled {
		nCfg, err := notifierConfigFrom(cfg.Alerts)
		if err != nil {
			st.Close()
			return nil, err
		}
		sender, err := notifier.NewTelegramSender(cfg.Alerts.BotToken)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("alerts: %w", err)
		}
		notif = notifier.New(nCfg, sender, log.With(logx.String("comp", "alerts")))
	}

	httpCfg, err := httpConfigFrom(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	api := httpapi.NewServer(httpCfg, in, st, resolver, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		st:    st,
		bus:   bus,
		api:   api,
		disp:  disp,
		notif: notif,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject a bad hot-reload before commit. Every duration and required
		// field must map cleanly.
		if cfg.Dispatch.Workers < 0 {
			return fmt.Errorf("dispatch.workers must be >= 0")
		}
		if cfg.Dispatch.RetryMax < 0 {
			return fmt.Errorf("dispatch.retry_max must be >= 0")
		}
		if _, err := httpConfigFrom(cfg); err != nil {
			return err
		}
		if _, err := storeConfigFrom(cfg); err != nil {
			return err
		}
		if _, err := publisherConfigFrom(cfg); err != nil {
			return err
		}
		if _, err := dispatchConfigFrom(cfg); err != nil {
			return err
		}
		if _, err := notifierConfigFrom(cfg.Alerts); err != nil {
			return err
		}
		return nil
	})

	if err := a.api.Start(runCtx); err != nil {
		cancel()
		return err
	}

	if a.disp.Enabled() {
		a.disp.Start(runCtx)
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx, a.bus)
	}

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the newest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(ctx, cfg)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logxConfigFrom(cfg))

	// The validator ran before commit, so mapping cannot fail here; a zero
	// config on error still keeps the services on their previous settings.
	dispCfg, err := dispatchConfigFrom(cfg)
	if err != nil {
		a.log.Warn("dispatch config rejected", logx.Err(err))
	} else {
		prevEnabled := a.disp.Enabled()
		a.disp.Apply(dispCfg)
		switch {
		case prevEnabled && !dispCfg.Enabled:
			a.log.Info("dispatch disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		case !prevEnabled && dispCfg.Enabled:
			a.log.Info("dispatch enabled via config")
			a.disp.Start(ctx)
		}
	}

	if a.notif != nil {
		nCfg, err := notifierConfigFrom(cfg.Alerts)
		if err != nil {
			a.log.Warn("alerts config rejected", logx.Err(err))
		} else {
			a.notif.Apply(nCfg)
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.api.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	a.disp.Stop(ctx)
	if a.notif != nil {
		a.notif.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before background loops exited")
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
