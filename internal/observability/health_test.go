package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

type fakeQueue struct {
	pingErr error
}

func (f *fakeQueue) Ping(ctx context.Context) error {
	return f.pingErr
}

func ready(t *testing.T, h *HealthHandler) (int, ReadyResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHandler_Health(t *testing.T) {
	h := NewHealthHandler(&fakeQueue{})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Uptime == "" {
		t.Errorf("got %+v, want status ok with an uptime", resp)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		pingErr    error
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "all healthy",
			ready:      true,
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"app": "ok", "queue": "ok"},
		},
		{
			name:       "not ready",
			ready:      false,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"app": "not ready", "queue": "ok"},
		},
		{
			name:       "queue down",
			ready:      true,
			pingErr:    errors.New("connection refused"),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"app": "ok", "queue": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(&fakeQueue{pingErr: tt.pingErr})
			h.SetReady(tt.ready)

			code, resp := ready(t, h)
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if !reflect.DeepEqual(resp.Checks, tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
		})
	}
}

func TestHealthHandler_AddCheck(t *testing.T) {
	h := NewHealthHandler(&fakeQueue{})
	h.SetReady(true)
	h.AddCheck("kafka", func(ctx context.Context) error { return errors.New("no broker reachable") })

	code, resp := ready(t, h)
	if code != http.StatusServiceUnavailable || resp.Checks["kafka"] != "no broker reachable" {
		t.Fatalf("got %d %v, want 503 with the kafka error", code, resp.Checks)
	}

	// Same name replaces the check.
	h.AddCheck("kafka", func(ctx context.Context) error { return nil })
	code, resp = ready(t, h)
	if code != http.StatusOK || resp.Checks["kafka"] != "ok" {
		t.Errorf("got %d %v, want 200 with kafka ok", code, resp.Checks)
	}
	if got := h.CheckNames(); !reflect.DeepEqual(got, []string{"kafka", "queue"}) {
		t.Errorf("CheckNames() = %v", got)
	}
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	h := NewHealthHandler(nil)
	h.SetReady(true)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	code, resp := ready(t, h)
	if elapsed := time.Since(start); elapsed > checkTimeout+time.Second {
		t.Errorf("Ready took %s, want it bounded by the check timeout", elapsed)
	}
	if code != http.StatusServiceUnavailable || resp.Checks["slow"] != context.DeadlineExceeded.Error() {
		t.Errorf("got %d %v", code, resp.Checks)
	}
	if _, ok := resp.Checks["queue"]; ok {
		t.Error("nil queue should not register a check")
	}
}
