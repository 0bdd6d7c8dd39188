package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/queue"
	"github.com/felipemaragno/boardhooks/internal/queue/queuetest"
)

// startPostgres runs a throwaway database and returns its DSN. The schema is
// migrated once; callers truncate between tests.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("boardhooks_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Running twice must be harmless.
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	return dsn
}

func newTestQueue(t *testing.T, dsn string, clk clock.Clock) *Queue {
	t.Helper()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE webhook_events`); err != nil {
		pool.Close()
		t.Fatalf("failed to truncate: %v", err)
	}
	return New(pool, DefaultConfig(), clk)
}

func TestPostgresQueue(t *testing.T) {
	dsn := startPostgres(t)

	t.Run("Conformance", func(t *testing.T) {
		queuetest.Run(t, func(t *testing.T) queue.Queue {
			return newTestQueue(t, dsn, clock.RealClock{})
		})
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		q := newTestQueue(t, dsn, clock.RealClock{})
		defer q.Close()
		ctx := context.Background()

		rec := domain.NewRecord("evt_empty", "https://hooks.example.com", "task.created", nil, 3, time.Now())
		if err := q.Enqueue(ctx, rec); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		got, err := q.Get(ctx, "evt_empty")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(got.Payload) != 0 {
			t.Errorf("Payload = %s, want empty", got.Payload)
		}
	})

	t.Run("ReclaimUsesQueueClock", func(t *testing.T) {
		clk := clock.NewMock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		q := newTestQueue(t, dsn, clk)
		defer q.Close()
		ctx := context.Background()

		rec := domain.NewRecord("evt_clock", "https://hooks.example.com", "task.created", json.RawMessage(`{}`), 3, clk.Now())
		if err := q.Enqueue(ctx, rec); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if _, err := q.ClaimBatch(ctx, queue.ClaimOptions{Max: 1}); err != nil {
			t.Fatalf("ClaimBatch() error = %v", err)
		}

		clk.Advance(6 * time.Minute)
		n, err := q.ReclaimStale(ctx, 5*time.Minute)
		if err != nil || n != 1 {
			t.Fatalf("ReclaimStale() = (%d, %v), want 1", n, err)
		}
	})

	t.Run("Batcher", func(t *testing.T) {
		testBatcher(t, dsn)
	})

	t.Run("StoreDown", func(t *testing.T) {
		q := newTestQueue(t, dsn, clock.RealClock{})
		q.Close()

		err := q.Ping(context.Background())
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Errorf("Ping() error = %v, want ErrStoreUnavailable", err)
		}
		_, err = q.ClaimBatch(context.Background(), queue.ClaimOptions{Max: 1})
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Errorf("ClaimBatch() error = %v, want ErrStoreUnavailable", err)
		}
	})
}
