// Package delivery performs one webhook attempt for a claimed record and
// turns the result into a queue outcome.
//
// The receiver's answer is classified as:
//
//	2xx                       delivered
//	4xx except 429            failed (rejected, never retried)
//	429, 5xx, 1xx/3xx         retry with backoff, or failed when out of attempts
//	network error / timeout   retry with backoff, or failed when out of attempts
//
// Optional per-host guards (rate limiter, circuit breaker, semaphore) run
// before the request. A guard that refuses defers the record without
// spending an attempt.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/resilience"
	"github.com/felipemaragno/boardhooks/internal/retry"
)

const (
	HeaderEventID   = "X-Webhook-Event-ID"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	// maxResponseBody bounds how much of a response is read before closing.
	maxResponseBody = 1024
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines dispatcher behaviour.
//
// Secret: HMAC-SHA256 signing key; empty disables signing.
// UserAgent: sent on every request.
// DeferDelay: how long a guarded-out record waits before it is claimable again.
type Config struct {
	Secret     string
	UserAgent  string
	DeferDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		UserAgent:  "boardhooks/1.0",
		DeferDelay: time.Second,
	}
}

type Dispatcher struct {
	config  Config
	client  HTTPClient
	policy  retry.Policy
	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	rateLimiter    resilience.RateLimiter
	circuitBreaker resilience.CircuitBreaker
	semaphore      resilience.Semaphore
}

// New creates a dispatcher. Use WithMetrics and WithResilience to add
// optional features.
func New(config Config, client HTTPClient, policy retry.Policy, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if config.DeferDelay <= 0 {
		config.DeferDelay = DefaultConfig().DeferDelay
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultConfig().UserAgent
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Dispatcher{
		config: config,
		client: client,
		policy: policy,
		clock:  clk,
		logger: logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithResilience enables per-host guards. Any of them may be nil.
func (d *Dispatcher) WithResilience(rl resilience.RateLimiter, cb resilience.CircuitBreaker, sem resilience.Semaphore) *Dispatcher {
	d.rateLimiter = rl
	d.circuitBreaker = cb
	d.semaphore = sem
	return d
}

// Attempt makes one delivery attempt for rec and returns the outcome to
// resolve it with. The error describes the failure for logging; it is nil
// for delivered and deferred outcomes.
func (d *Dispatcher) Attempt(ctx context.Context, rec *domain.Record) (domain.Outcome, error) {
	host := hostOf(rec.TargetURL)

	release, reason := d.guard(ctx, host)
	if reason != "" {
		next := d.clock.Now().Add(d.config.DeferDelay)
		d.logger.Debug("delivery deferred",
			"event_id", rec.ID,
			"host", host,
			"reason", reason,
			"next_attempt_at", next,
		)
		return domain.Deferred(next, reason), nil
	}

	start := d.clock.Now()
	statusCode, err := d.send(ctx, rec, start)
	release(statusCode, err)

	duration := d.clock.Now().Sub(start)
	if d.metrics != nil {
		d.metrics.DeliveryDuration.Observe(duration.Seconds())
	}

	if err == nil {
		err = classify(statusCode)
	} else {
		err = &Error{Kind: ErrDeliveryTransient, StatusCode: statusCode, Err: err}
	}

	outcome := d.outcome(rec, statusCode, err)
	d.recordAttempt(outcome)

	d.logger.Debug("delivery attempted",
		"event_id", rec.ID,
		"attempt", rec.AttemptCount+1,
		"status_code", statusCode,
		"outcome", outcome.Kind.String(),
		"duration_ms", duration.Milliseconds(),
	)
	return outcome, err
}

// TransientOutcome is the outcome of an attempt that failed transiently:
// a retry after backoff, or failed once attempts are exhausted.
func (d *Dispatcher) TransientOutcome(rec *domain.Record, statusCode int, msg string) domain.Outcome {
	if !rec.CanRetry() {
		return domain.Failed(statusCode, msg)
	}
	next := d.policy.NextAttemptTime(d.clock.Now(), rec.AttemptCount)
	return domain.Retry(next, statusCode, msg)
}

func (d *Dispatcher) outcome(rec *domain.Record, statusCode int, err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.Delivered(statusCode)
	case Rejected(err):
		return domain.Failed(statusCode, err.Error())
	default:
		return d.TransientOutcome(rec, statusCode, err.Error())
	}
}

// guard consults the configured guards in order. It returns a refusal
// reason, or a release func the caller must invoke with the attempt result.
func (d *Dispatcher) guard(ctx context.Context, host string) (func(int, error), string) {
	if d.rateLimiter != nil {
		allowed, err := d.rateLimiter.Allow(ctx, host)
		if err != nil {
			d.logger.Warn("rate limiter error", "error", err, "host", host)
		}
		if !allowed {
			d.countRateLimited(host)
			return nil, "rate limited"
		}
	}

	var done func(bool)
	if d.circuitBreaker != nil {
		var err error
		done, err = d.circuitBreaker.Allow(ctx, host)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			d.observeCircuit(ctx, host)
			return nil, "circuit open"
		}
		if err != nil {
			d.logger.Warn("circuit breaker error", "error", err, "host", host)
			done = nil
		}
	}

	acquired := false
	if d.semaphore != nil {
		ok, err := d.semaphore.Acquire(ctx, host)
		if err != nil {
			d.logger.Warn("semaphore error", "error", err, "host", host)
		}
		if !ok {
			if done != nil {
				// No request was made; report it as a success so a
				// half-open probe slot is not held.
				done(true)
			}
			return nil, "too many concurrent requests"
		}
		acquired = true
	}

	return func(statusCode int, err error) {
		if done != nil {
			done(!countsAsBreakerFailure(statusCode, err))
			d.observeCircuit(ctx, host)
		}
		if acquired {
			if err := d.semaphore.Release(context.WithoutCancel(ctx), host); err != nil {
				d.logger.Warn("semaphore release error", "error", err, "host", host)
			}
		}
	}, ""
}

// send performs the HTTP request. It returns the response status, or an
// error when no response was received.
func (d *Dispatcher) send(ctx context.Context, rec *domain.Record, now time.Time) (int, error) {
	body := []byte(rec.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.config.UserAgent)
	req.Header.Set(HeaderEventID, rec.ID)
	req.Header.Set(HeaderEventType, rec.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(rec.AttemptCount+1))
	req.Header.Set(HeaderTimestamp, timestamp)
	if d.config.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(d.config.Secret, timestamp, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded prefix so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	return resp.StatusCode, nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
// Receivers recompute it to authenticate a delivery.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func (d *Dispatcher) recordAttempt(o domain.Outcome) {
	if d.metrics == nil {
		return
	}
	d.metrics.DeliveryAttempts.WithLabelValues(o.Kind.String()).Inc()
}

func (d *Dispatcher) countRateLimited(host string) {
	if d.metrics != nil {
		d.metrics.RateLimiterRejections.WithLabelValues(host).Inc()
	}
}

func (d *Dispatcher) observeCircuit(ctx context.Context, host string) {
	if d.metrics == nil || d.circuitBreaker == nil {
		return
	}
	state, err := d.circuitBreaker.State(ctx, host)
	if err != nil {
		return
	}
	d.metrics.CircuitBreakerState.WithLabelValues(host).Set(state.Float())
}
