package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/resilience"
	"github.com/felipemaragno/boardhooks/internal/retry"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func noJitter() retry.Policy {
	return retry.Policy{Base: 5 * time.Second, Max: time.Hour, Multiplier: 2}
}

func newTestDispatcher(config Config) *Dispatcher {
	return New(config, http.DefaultClient, noJitter(), clock.NewMock(testNow), nil)
}

func claimed(url string, attempts, maxAttempts int) *domain.Record {
	rec := domain.NewRecord("evt_1", url, "task.comment", json.RawMessage(`{"task_id":"t_1"}`), maxAttempts, testNow)
	rec.AttemptCount = attempts
	rec.Claim("tok", testNow)
	return rec
}

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{200, nil},
		{201, nil},
		{204, nil},
		{301, ErrDeliveryTransient},
		{400, ErrDeliveryRejected},
		{401, ErrDeliveryRejected},
		{404, ErrDeliveryRejected},
		{410, ErrDeliveryRejected},
		{418, ErrDeliveryRejected},
		{422, ErrDeliveryRejected},
		{429, ErrDeliveryTransient},
		{500, ErrDeliveryTransient},
		{503, ErrDeliveryTransient},
		{599, ErrDeliveryTransient},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			err := classify(tt.status)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("classify(%d) = %v, want nil", tt.status, err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("classify(%d) = %v, want %v", tt.status, err, tt.want)
			}
			var de *Error
			if !errors.As(err, &de) || de.StatusCode != tt.status {
				t.Errorf("classify(%d) status code not carried: %v", tt.status, err)
			}
		})
	}
}

func TestAttempt_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		attempts   int
		maxAttempt int
		wantKind   domain.OutcomeKind
		wantErr    error
	}{
		{"2xx delivers", 200, 0, 3, domain.OutcomeDelivered, nil},
		{"404 fails without retry", 404, 0, 3, domain.OutcomeFailed, ErrDeliveryRejected},
		{"500 retries", 500, 0, 3, domain.OutcomeRetry, ErrDeliveryTransient},
		{"429 retries", 429, 1, 3, domain.OutcomeRetry, ErrDeliveryTransient},
		{"500 on last attempt fails", 500, 2, 3, domain.OutcomeFailed, ErrDeliveryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := statusServer(t, tt.status)
			d := newTestDispatcher(DefaultConfig())

			outcome, err := d.Attempt(context.Background(), claimed(server.URL, tt.attempts, tt.maxAttempt))

			if outcome.Kind != tt.wantKind {
				t.Errorf("outcome = %v, want %v", outcome.Kind, tt.wantKind)
			}
			if outcome.StatusCode != tt.status {
				t.Errorf("status code = %d, want %d", outcome.StatusCode, tt.status)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAttempt_RetryUsesBackoff(t *testing.T) {
	server := statusServer(t, 503)
	d := newTestDispatcher(DefaultConfig())

	outcome, _ := d.Attempt(context.Background(), claimed(server.URL, 2, 5))

	want := testNow.Add(20 * time.Second)
	if !outcome.NextAttemptAt.Equal(want) {
		t.Errorf("next attempt = %v, want %v", outcome.NextAttemptAt, want)
	}
	if outcome.Err == "" {
		t.Error("retry outcome should carry the error message")
	}
}

func TestAttempt_NetworkErrorIsTransient(t *testing.T) {
	server := statusServer(t, 200)
	url := server.URL
	server.Close()

	d := newTestDispatcher(DefaultConfig())
	outcome, err := d.Attempt(context.Background(), claimed(url, 0, 3))

	if outcome.Kind != domain.OutcomeRetry {
		t.Errorf("outcome = %v, want retry", outcome.Kind)
	}
	if outcome.StatusCode != 0 {
		t.Errorf("status code = %d, want 0", outcome.StatusCode)
	}
	if !errors.Is(err, ErrDeliveryTransient) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestAttempt_TimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewHTTPClient(ClientConfig{Timeout: 50 * time.Millisecond})
	d := New(DefaultConfig(), client, noJitter(), clock.NewMock(testNow), nil)

	outcome, err := d.Attempt(context.Background(), claimed(server.URL, 0, 3))

	if outcome.Kind != domain.OutcomeRetry {
		t.Errorf("outcome = %v, want retry", outcome.Kind)
	}
	if !errors.Is(err, ErrDeliveryTransient) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestAttempt_RedirectIsNotFollowed(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer target.Close()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer server.Close()

	d := New(DefaultConfig(), NewHTTPClient(DefaultClientConfig()), noJitter(), clock.NewMock(testNow), nil)
	outcome, _ := d.Attempt(context.Background(), claimed(server.URL, 0, 3))

	if outcome.Kind != domain.OutcomeRetry || outcome.StatusCode != http.StatusFound {
		t.Errorf("outcome = %v/%d, want retry/302", outcome.Kind, outcome.StatusCode)
	}
	if hits.Load() != 0 {
		t.Error("redirect target should not be called")
	}
}

func TestAttempt_RequestShape(t *testing.T) {
	var got *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := newTestDispatcher(Config{Secret: "s3cret", UserAgent: "boardhooks-test"})
	if _, err := d.Attempt(context.Background(), claimed(server.URL, 1, 5)); err != nil {
		t.Fatalf("Attempt() error = %v", err)
	}

	if got.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.Method)
	}
	if string(body) != `{"task_id":"t_1"}` {
		t.Errorf("body = %s", body)
	}
	timestamp := strconv.FormatInt(testNow.Unix(), 10)
	headers := map[string]string{
		"Content-Type":  "application/json",
		"User-Agent":    "boardhooks-test",
		HeaderEventID:   "evt_1",
		HeaderEventType: "task.comment",
		HeaderAttempt:   "2",
		HeaderTimestamp: timestamp,
		HeaderSignature: "sha256=" + Sign("s3cret", timestamp, body),
	}
	for name, want := range headers {
		if v := got.Header.Get(name); v != want {
			t.Errorf("%s = %q, want %q", name, v, want)
		}
	}
}

func TestAttempt_NoSignatureWithoutSecret(t *testing.T) {
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(HeaderSignature)
	}))
	defer server.Close()

	d := newTestDispatcher(DefaultConfig())
	d.Attempt(context.Background(), claimed(server.URL, 0, 1))

	if signature != "" {
		t.Errorf("signature = %q, want none", signature)
	}
}

func TestSign(t *testing.T) {
	a := Sign("key", "1700000000", []byte(`{}`))
	if len(a) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(a))
	}
	if a != Sign("key", "1700000000", []byte(`{}`)) {
		t.Error("signature is not deterministic")
	}
	if a == Sign("other", "1700000000", []byte(`{}`)) {
		t.Error("signature should depend on the secret")
	}
	if a == Sign("key", "1700000001", []byte(`{}`)) {
		t.Error("signature should depend on the timestamp")
	}
}

func TestAttempt_RateLimitedDefers(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	limiter := resilience.NewLocalRateLimiter(resilience.RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	d := newTestDispatcher(Config{DeferDelay: 3 * time.Second}).
		WithMetrics(metrics).
		WithResilience(limiter, nil, nil)

	first, _ := d.Attempt(context.Background(), claimed(server.URL, 0, 3))
	second, err := d.Attempt(context.Background(), claimed(server.URL, 0, 3))

	if first.Kind != domain.OutcomeDelivered {
		t.Fatalf("first outcome = %v, want delivered", first.Kind)
	}
	if second.Kind != domain.OutcomeDeferred {
		t.Fatalf("second outcome = %v, want deferred", second.Kind)
	}
	if err != nil {
		t.Errorf("deferral should not be an error, got %v", err)
	}
	if want := testNow.Add(3 * time.Second); !second.NextAttemptAt.Equal(want) {
		t.Errorf("deferred until %v, want %v", second.NextAttemptAt, want)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}

	host := hostOf(server.URL)
	if v := testutil.ToFloat64(metrics.RateLimiterRejections.WithLabelValues(host)); v != 1 {
		t.Errorf("rate limiter rejections = %v, want 1", v)
	}
}

func TestAttempt_OpenCircuitDefers(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := resilience.NewLocalCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})
	d := newTestDispatcher(DefaultConfig()).WithResilience(nil, breaker, nil)

	for i := 0; i < 2; i++ {
		if o, _ := d.Attempt(context.Background(), claimed(server.URL, 0, 10)); o.Kind != domain.OutcomeRetry {
			t.Fatalf("attempt %d outcome = %v, want retry", i+1, o.Kind)
		}
	}

	outcome, err := d.Attempt(context.Background(), claimed(server.URL, 0, 10))
	if outcome.Kind != domain.OutcomeDeferred {
		t.Fatalf("outcome = %v, want deferred once the circuit is open", outcome.Kind)
	}
	if err != nil {
		t.Errorf("deferral should not be an error, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
}

func TestAttempt_SemaphoreReleased(t *testing.T) {
	server := statusServer(t, 200)
	sem := resilience.NewLocalSemaphore(1)
	d := newTestDispatcher(DefaultConfig()).WithResilience(nil, nil, sem)

	for i := 0; i < 3; i++ {
		if o, _ := d.Attempt(context.Background(), claimed(server.URL, 0, 3)); o.Kind != domain.OutcomeDelivered {
			t.Fatalf("attempt %d outcome = %v, want delivered", i+1, o.Kind)
		}
	}
}

func TestTransientOutcome(t *testing.T) {
	d := newTestDispatcher(DefaultConfig())

	if o := d.TransientOutcome(claimed("http://x", 0, 2), 0, "boom"); o.Kind != domain.OutcomeRetry {
		t.Errorf("outcome = %v, want retry", o.Kind)
	}
	if o := d.TransientOutcome(claimed("http://x", 1, 2), 0, "boom"); o.Kind != domain.OutcomeFailed {
		t.Errorf("outcome = %v, want failed on the last attempt", o.Kind)
	}
}
