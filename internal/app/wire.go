package app

import (
	"fmt"
	"strings"
	"time"

	"castdeck/internal/config"
	"castdeck/internal/dispatch"
	"castdeck/internal/httpapi"
	"castdeck/internal/notifier"
	"castdeck/internal/publisher"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

// The *From helpers translate the file-level config (strings, optional
// fields) into the typed configs each component takes. They fail loudly so a
// bad value is caught at startup or rejected at hot-reload, never applied.

func logxConfigFrom(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func httpConfigFrom(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Address:      cfg.HTTP.Address,
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}

func storeConfigFrom(cfg *config.Config) (store.Config, error) {
	bt, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 0)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		DSN:         cfg.Store.DSN,
		BusyTimeout: bt,
	}, nil
}

func publisherConfigFrom(cfg *config.Config) (publisher.Config, error) {
	if strings.TrimSpace(cfg.Farcaster.SubmitURL) == "" {
		return publisher.Config{}, fmt.Errorf("farcaster.submit_url is required")
	}
	to, err := config.ParseDurationOrDefault("farcaster.timeout", cfg.Farcaster.Timeout, 0)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		SubmitURL:  cfg.Farcaster.SubmitURL,
		APIKey:     cfg.Farcaster.APIKey,
		SignerUUID: cfg.Farcaster.SignerUUID,
		Timeout:    to,
		RatePerSec: cfg.Farcaster.RatePerSec,
	}, nil
}

func dispatchConfigFrom(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}

	poll, err := config.ParseDurationOrDefault("dispatch.poll_interval", d.PollInterval, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	claim, err := config.ParseDurationOrDefault("dispatch.claim_timeout", d.ClaimTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}

	pubTimeout, err := config.ParseDurationOrDefault("farcaster.timeout", cfg.Farcaster.Timeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	if pubTimeout > 0 {
		// Leave headroom over the HTTP client timeout so the client gives up
		// first and the error is classified, not a bare deadline.
		pubTimeout += 5 * time.Second
	}

	return dispatch.Config{
		Enabled:        enabled,
		PollInterval:   poll,
		Workers:        d.Workers,
		RetryMax:       d.RetryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
		PublishTimeout: pubTimeout,
		ClaimTimeout:   claim,
	}, nil
}

func notifierConfigFrom(a *config.AlertsConfig) (notifier.Config, error) {
	if a == nil {
		return notifier.Config{}, nil
	}
	base, err := config.ParseDurationOrDefault("alerts.retry_base", a.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("alerts.dedup_window", a.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     a.Enabled,
		ChatID:      a.ChatID,
		RatePerSec:  a.RatePerSec,
		RetryMax:    a.RetryMax,
		RetryBase:   base,
		DedupWindow: window,
	}, nil
}
