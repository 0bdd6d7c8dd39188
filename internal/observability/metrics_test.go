package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("boardhooks", reg)

	if m.EventsEnqueued == nil {
		t.Error("EventsEnqueued counter should not be nil")
	}
	if m.EventsDelivered == nil {
		t.Error("EventsDelivered counter should not be nil")
	}
	if m.EventsFailed == nil {
		t.Error("EventsFailed counter should not be nil")
	}
	if m.DeliveryDuration == nil {
		t.Error("DeliveryDuration histogram should not be nil")
	}
	if m.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal counter vec should not be nil")
	}
}

func TestMetrics_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.EventsEnqueued.Inc()
	m.EventsDelivered.Inc()
	m.EventsDelivered.Inc()
	m.DeliveryAttempts.WithLabelValues("delivered").Inc()
	m.DeliveryDuration.Observe(0.5)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/webhooks/{id}", "200").Inc()
	m.CircuitBreakerState.WithLabelValues("hooks.example.com").Set(2)

	if got := testutil.ToFloat64(m.EventsDelivered); got != 2 {
		t.Errorf("events_delivered_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("hooks.example.com")); got != 2 {
		t.Errorf("circuit_breaker_state = %v, want 2", got)
	}
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	NewMetrics("boardhooks", prometheus.NewRegistry())
	NewMetrics("boardhooks", prometheus.NewRegistry())
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		format   string
		contains string
		debug    bool
	}{
		{"json default", "", "", `"msg":"hello"`, false},
		{"text", "info", "text", "msg=hello", false},
		{"debug level", "debug", "json", `"msg":"hello"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level, tt.format)
			logger.Info("hello", "event_id", "evt_1")

			if !strings.Contains(buf.String(), tt.contains) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.contains)
			}
			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.debug {
				t.Errorf("debug enabled = %v, want %v", got, tt.debug)
			}
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := NewMetrics("test", prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Get("/webhooks/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/webhooks/evt_1", "/webhooks/evt_2", "/health", "/nope/1", "/nope/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	tests := []struct {
		route, code string
		want        float64
	}{
		{"/webhooks/{id}", "404", 2},
		{"/health", "200", 1},
		{unmatchedRoute, "404", 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", tt.route, tt.code)); got != tt.want {
			t.Errorf("requests{route=%q,code=%s} = %v, want %v", tt.route, tt.code, got, tt.want)
		}
	}
}
