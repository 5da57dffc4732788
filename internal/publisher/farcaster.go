package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"castdeck/internal/domain"
	"castdeck/pkg/logx"
)

// Config configures the Farcaster submission client.
type Config struct {
	// SubmitURL is a Neynar-compatible cast submission endpoint.
	SubmitURL  string
	APIKey     string
	SignerUUID string

	// Timeout bounds one publish call. Default 15s.
	Timeout time.Duration
	// RatePerSec throttles submissions across the process. Default 5.
	RatePerSec int
}

// Farcaster publishes casts over HTTP.
type Farcaster struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewFarcaster(cfg Config, log logx.Logger) (*Farcaster, error) {
	if cfg.SubmitURL == "" {
		return nil, fmt.Errorf("publisher: submit_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Farcaster{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}, nil
}

type submitRequest struct {
	SignerUUID string `json:"signer_uuid,omitempty"`
	Text       string `json:"text"`
}

type submitResponse struct {
	Cast struct {
		Hash string `json:"hash"`
	} `json:"cast"`
	Message string `json:"message,omitempty"`
}

func (f *Farcaster) Publish(ctx context.Context, content string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", &domain.PublishError{Transient: true, Msg: "rate wait", Cause: err}
	}

	body, err := json.Marshal(submitRequest{SignerUUID: f.cfg.SignerUUID, Text: content})
	if err != nil {
		return "", &domain.PublishError{Transient: false, Msg: "encode request", Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return "", &domain.PublishError{Transient: false, Msg: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.APIKey != "" {
		req.Header.Set("x-api-key", f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Network errors and timeouts are worth retrying.
		return "", &domain.PublishError{Transient: true, Msg: "submit", Cause: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out submitResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.Cast.Hash == "" {
			// Accepted but unparseable; treat as posted with unknown id
			// rather than risking a duplicate on retry.
			f.log.Warn("publish response unparseable", logx.Int("status", resp.StatusCode))
			return "", nil
		}
		return out.Cast.Hash, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &domain.PublishError{Transient: true, Msg: httpErrMsg(resp.StatusCode, raw)}
	default:
		// Remaining 4xx: the request itself is bad; retrying won't help.
		return "", &domain.PublishError{Transient: false, Msg: httpErrMsg(resp.StatusCode, raw)}
	}
}

func httpErrMsg(status int, raw []byte) string {
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Message != "" {
		return fmt.Sprintf("status %d: %s", status, out.Message)
	}
	return fmt.Sprintf("status %d", status)
}
