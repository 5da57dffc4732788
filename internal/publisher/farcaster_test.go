package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"castdeck/internal/domain"
	"castdeck/pkg/logx"
)

func newTestFarcaster(t *testing.T, handler http.HandlerFunc) *Farcaster {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f, err := NewFarcaster(Config{
		SubmitURL:  srv.URL,
		APIKey:     "test-key",
		SignerUUID: "signer-1",
		RatePerSec: 100,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewFarcaster: %v", err)
	}
	return f
}

func TestPublishSuccess(t *testing.T) {
	t.Parallel()
	var gotReq submitRequest
	var gotKey string
	f := newTestFarcaster(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{"cast": map[string]any{"hash": "0xabc"}})
	})

	hash, err := f.Publish(context.Background(), "gm")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if hash != "0xabc" {
		t.Fatalf("hash = %q", hash)
	}
	if gotReq.Text != "gm" || gotReq.SignerUUID != "signer-1" {
		t.Fatalf("request = %+v", gotReq)
	}
	if gotKey != "test-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
}

func TestPublishUnparseableSuccessIsStillPosted(t *testing.T) {
	t.Parallel()
	f := newTestFarcaster(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	hash, err := f.Publish(context.Background(), "gm")
	if err != nil {
		t.Fatalf("accepted response must not error: %v", err)
	}
	if hash != "" {
		t.Fatalf("hash = %q, want empty", hash)
	}
}

func TestPublishErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"internal error", http.StatusInternalServerError, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"payload too large", http.StatusRequestEntityTooLarge, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newTestFarcaster(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
			})
			_, err := f.Publish(context.Background(), "gm")
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *domain.PublishError
			if !errors.As(err, &perr) {
				t.Fatalf("error type %T", err)
			}
			if perr.Transient != tc.transient {
				t.Fatalf("transient = %v, want %v (%v)", perr.Transient, tc.transient, err)
			}
		})
	}
}

func TestPublishNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	f, err := NewFarcaster(Config{SubmitURL: srv.URL, RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("NewFarcaster: %v", err)
	}
	_, err = f.Publish(context.Background(), "gm")
	if !domain.IsTransientPublish(err) {
		t.Fatalf("network error not transient: %v", err)
	}
}

func TestNewFarcasterRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := NewFarcaster(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing submit url")
	}
}
