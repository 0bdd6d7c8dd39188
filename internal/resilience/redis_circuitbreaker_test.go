package resilience

import (
	"context"
	"testing"
	"time"
)

func testRedisCBConfig() RedisCircuitBreakerConfig {
	return RedisCircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		Window:           time.Minute,
	}
}

func TestRedisCircuitBreaker_Allow(t *testing.T) {
	client, _ := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)

	if !attempt(t, cb, "hooks.example.com", true) {
		t.Error("closed circuit should allow")
	}
	if got := state(t, cb, "hooks.example.com"); got != CircuitStateClosed {
		t.Errorf("expected closed, got %v", got)
	}
}

func TestRedisCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, _ := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)
	host := "down.example.com"

	for i := 0; i < 3; i++ {
		attempt(t, cb, host, false)
	}

	if got := state(t, cb, host); got != CircuitStateOpen {
		t.Fatalf("expected open after 3 failures, got %v", got)
	}
	if attempt(t, cb, host, true) {
		t.Error("open circuit should refuse")
	}
}

func TestRedisCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	client, _ := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)
	host := "flaky.example.com"

	attempt(t, cb, host, false)
	attempt(t, cb, host, false)
	attempt(t, cb, host, true)

	n, err := cb.FailureCount(context.Background(), host)
	if err != nil {
		t.Fatalf("FailureCount() error = %v", err)
	}
	if n != 0 {
		t.Errorf("failure count = %d, want 0 after a success", n)
	}
}

func TestRedisCircuitBreaker_TransitionsToHalfOpenAndCloses(t *testing.T) {
	client, _ := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)
	host := "recovering.example.com"

	for i := 0; i < 3; i++ {
		attempt(t, cb, host, false)
	}
	time.Sleep(150 * time.Millisecond)

	if !attempt(t, cb, host, true) {
		t.Fatal("expected a probe after timeout")
	}
	if got := state(t, cb, host); got != CircuitStateHalfOpen {
		t.Fatalf("expected half-open after one success, got %v", got)
	}

	attempt(t, cb, host, true)
	if got := state(t, cb, host); got != CircuitStateClosed {
		t.Errorf("expected closed after 2 successes, got %v", got)
	}
}

func TestRedisCircuitBreaker_FailureInHalfOpenReopens(t *testing.T) {
	client, _ := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)
	host := "flaky.example.com"

	for i := 0; i < 3; i++ {
		attempt(t, cb, host, false)
	}
	time.Sleep(150 * time.Millisecond)

	attempt(t, cb, host, false)
	if got := state(t, cb, host); got != CircuitStateOpen {
		t.Errorf("expected open after failed probe, got %v", got)
	}
}

func TestRedisCircuitBreaker_Fallback(t *testing.T) {
	client, mr := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)
	mr.Close()

	if !attempt(t, cb, "hooks.example.com", true) {
		t.Error("fallback breaker should allow while closed")
	}
	if got := state(t, cb, "hooks.example.com"); got != CircuitStateClosed {
		t.Errorf("fallback state = %v, want closed", got)
	}
}

func TestSemaphores(t *testing.T) {
	client, _ := newRedisClient(t)

	tests := []struct {
		name string
		sem  Semaphore
	}{
		{"local", NewLocalSemaphore(2)},
		{"redis", NewRedisSemaphore(client, RedisSemaphoreConfig{Limit: 2, TTL: time.Minute}, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			host := "hooks.example.com"

			for i := 0; i < 2; i++ {
				ok, err := tt.sem.Acquire(ctx, host)
				if err != nil || !ok {
					t.Fatalf("Acquire() #%d = (%v, %v), want acquired", i+1, ok, err)
				}
			}
			if ok, _ := tt.sem.Acquire(ctx, host); ok {
				t.Fatal("third Acquire() should fail at limit 2")
			}
			if ok, _ := tt.sem.Acquire(ctx, "other.example.com"); !ok {
				t.Error("other hosts should have their own slots")
			}

			if err := tt.sem.Release(ctx, host); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if ok, _ := tt.sem.Acquire(ctx, host); !ok {
				t.Error("Acquire() after Release() should succeed")
			}
		})
	}
}

func TestRedisCircuitBreaker_ReportsTransitions(t *testing.T) {
	client, _ := newRedisClient(t)
	cb := NewRedisCircuitBreaker(client, testRedisCBConfig(), nil)
	host := "down.example.com"

	var got []string
	cb.OnStateChange(func(h string, from, to CircuitState) {
		if h != host {
			t.Errorf("transition reported for %q", h)
		}
		got = append(got, string(from)+">"+string(to))
	})

	for i := 0; i < 3; i++ {
		attempt(t, cb, host, false)
	}
	time.Sleep(150 * time.Millisecond)
	attempt(t, cb, host, true)
	attempt(t, cb, host, true)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRedisCircuitBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	client, _ := newRedisClient(t)
	config := testRedisCBConfig()
	config.Window = 100 * time.Millisecond
	cb := NewRedisCircuitBreaker(client, config, nil)
	host := "flaky.example.com"

	attempt(t, cb, host, false)
	attempt(t, cb, host, false)
	time.Sleep(150 * time.Millisecond)
	attempt(t, cb, host, false)

	if got := state(t, cb, host); got != CircuitStateClosed {
		t.Errorf("expected closed when failures span windows, got %v", got)
	}
	if n, _ := cb.FailureCount(context.Background(), host); n != 1 {
		t.Errorf("failure count = %d, want 1 in the new window", n)
	}
}
