package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"castdeck/internal/identity"
	"castdeck/internal/intake"
	"castdeck/internal/store"
	"castdeck/pkg/logx"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewMemory()
	in := intake.New(st, logx.Nop())
	resolver := identity.Static{
		"alice-token": {FID: 1, Username: "alice", DisplayName: "Alice"},
		"bob-token":   {FID: 2, Username: "bob"},
	}
	srv := NewServer(Config{}, in, st, resolver, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doReq(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doReq(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	paths := []struct{ method, path string }{
		{http.MethodGet, "/me"},
		{http.MethodPost, "/casts"},
		{http.MethodGet, "/casts"},
		{http.MethodPost, "/scheduled-casts"},
		{http.MethodGet, "/stats"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp, _ := doReq(t, ts, p.method, p.path, "", nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
			}
			resp, _ = doReq(t, ts, p.method, p.path, "bogus", nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("bad token: status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestMe(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doReq(t, ts, http.MethodGet, "/me", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var me meResponse
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.FID != 1 || me.Username != "alice" || me.DisplayName != "Alice" {
		t.Fatalf("me = %+v", me)
	}
}

func TestDraftLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doReq(t, ts, http.MethodPost, "/casts", "alice-token", draftBody{Content: "gm"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", resp.StatusCode, body)
	}
	var d draftResponse
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Content != "gm" || d.Status != "draft" {
		t.Fatalf("draft = %+v", d)
	}

	// Other users cannot see it.
	resp, _ = doReq(t, ts, http.MethodGet, "/casts/"+d.ID, "bob-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user read: status = %d, want 404", resp.StatusCode)
	}

	resp, body = doReq(t, ts, http.MethodPut, "/casts/"+d.ID, "alice-token", draftBody{Content: "gm v2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d: %s", resp.StatusCode, body)
	}

	resp, body = doReq(t, ts, http.MethodGet, "/casts", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	var list []draftResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Content != "gm v2" {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = doReq(t, ts, http.MethodDelete, "/casts/"+d.ID, "alice-token", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	resp, _ = doReq(t, ts, http.MethodGet, "/casts/"+d.ID, "alice-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("read after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateDraftValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doReq(t, ts, http.MethodPost, "/casts", "alice-token", draftBody{Content: ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content: status = %d, want 400", resp.StatusCode)
	}

	long := make([]byte, 0, 400)
	for i := 0; i < 400; i++ {
		long = append(long, 'x')
	}
	resp, _ = doReq(t, ts, http.MethodPost, "/casts", "alice-token", draftBody{Content: string(long)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized content: status = %d, want 400", resp.StatusCode)
	}
}

func TestScheduledLifecycle(t *testing.T) {
	ts := newTestServer(t)
	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

	resp, body := doReq(t, ts, http.MethodPost, "/scheduled-casts", "alice-token",
		scheduleBody{Content: "later", ScheduledTime: at})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", resp.StatusCode, body)
	}
	var sp scheduledResponse
	if err := json.Unmarshal(body, &sp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sp.Status != "pending" || sp.Content != "later" {
		t.Fatalf("scheduled = %+v", sp)
	}

	resp, body = doReq(t, ts, http.MethodGet, "/scheduled-casts", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	var list []scheduledResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != sp.ID || list[0].Content != "later" {
		t.Fatalf("list = %+v", list)
	}

	resp, body = doReq(t, ts, http.MethodGet, "/stats", "alice-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status = %d", resp.StatusCode)
	}
	var stats struct {
		DraftCount     int `json:"draftCount"`
		ScheduledCount int `json:"scheduledCount"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.DraftCount != 1 || stats.ScheduledCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	resp, _ = doReq(t, ts, http.MethodDelete, "/scheduled-casts/"+sp.ID, "alice-token", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: status = %d", resp.StatusCode)
	}
	// Second cancel: no longer pending.
	resp, _ = doReq(t, ts, http.MethodDelete, "/scheduled-casts/"+sp.ID, "alice-token", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second cancel: status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateScheduledValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body scheduleBody
	}{
		{"missing time", scheduleBody{Content: "x"}},
		{"bad time format", scheduleBody{Content: "x", ScheduledTime: "tomorrow"}},
		{"empty content", scheduleBody{ScheduledTime: time.Now().Format(time.RFC3339)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doReq(t, ts, http.MethodPost, "/scheduled-casts", "alice-token", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestMalformedJSONBody(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/casts", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
