package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felipemaragno/boardhooks/internal/api"
	"github.com/felipemaragno/boardhooks/internal/clock"
	"github.com/felipemaragno/boardhooks/internal/delivery"
	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/producer"
	"github.com/felipemaragno/boardhooks/internal/queue"
	"github.com/felipemaragno/boardhooks/internal/queue/memqueue"
	"github.com/felipemaragno/boardhooks/internal/queue/postgres"
	"github.com/felipemaragno/boardhooks/internal/retry"
	"github.com/felipemaragno/boardhooks/internal/worker"
)

// startPostgres runs a migrated throwaway database for the benchmark.
func startPostgres(tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping container benchmark in short mode")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("benchmark"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		tb.Skipf("failed to start postgres: %v", err)
	}
	tb.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		tb.Fatalf("failed to connect: %v", err)
	}
	tb.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		tb.Fatalf("failed to run migrations: %v", err)
	}
	return pool
}

func newRouter(q queue.Queue) http.Handler {
	prod := producer.New(q, clock.RealClock{}, 5, nil)
	return api.NewRouter(api.RouterConfig{
		Handler:       api.NewHandler(prod, q, observability.DiscardLogger()),
		HealthHandler: observability.NewHealthHandler(q),
		Gatherer:      prometheus.NewRegistry(),
	})
}

func postWebhook(router http.Handler, id, target string) int {
	body, _ := json.Marshal(producer.Params{
		ID:        id,
		TargetURL: target,
		EventType: "benchmark.task.created",
		Payload:   json.RawMessage(`{"board":"b_1","task":"t_1"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Code
}

func newFlusher(q queue.Queue, batchSize, concurrency int) *worker.Flusher {
	policy := retry.Policy{Base: time.Second, Max: time.Minute, Multiplier: 2}
	d := delivery.New(delivery.DefaultConfig(), delivery.NewHTTPClient(delivery.DefaultClientConfig()), policy, clock.RealClock{}, nil)
	return worker.NewFlusher(worker.FlushConfig{BatchSize: batchSize, Concurrency: concurrency}, q, d, nil)
}

func okReceiver(tb testing.TB) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	tb.Cleanup(srv.Close)
	return srv
}

// BenchmarkIngestion measures POST /webhooks: decoding, validation and a
// Postgres INSERT plus NOTIFY.
func BenchmarkIngestion(b *testing.B) {
	router := newRouter(postgres.New(startPostgres(b), postgres.DefaultConfig(), nil))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if code := postWebhook(router, fmt.Sprintf("evt_bench_%d", i), "https://hooks.example.com/board"); code != http.StatusAccepted {
			b.Fatalf("expected 202, got %d", code)
		}
	}
}

// BenchmarkIngestionParallel measures concurrent ingestion throughput.
func BenchmarkIngestionParallel(b *testing.B) {
	router := newRouter(postgres.New(startPostgres(b), postgres.DefaultConfig(), nil))
	var counter int64

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := atomic.AddInt64(&counter, 1)
			if code := postWebhook(router, fmt.Sprintf("evt_bench_p_%d", i), "https://hooks.example.com/board"); code != http.StatusAccepted {
				b.Errorf("expected 202, got %d", code)
			}
		}
	})
}

// BenchmarkClaimResolve measures the store round trips of one delivery:
// a claim batch followed by one resolve per record.
func BenchmarkClaimResolve(b *testing.B) {
	ctx := context.Background()
	q := postgres.New(startPostgres(b), postgres.DefaultConfig(), nil)

	now := time.Now()
	for i := 0; i < b.N; i++ {
		rec := domain.NewRecord(fmt.Sprintf("evt_cr_%d", i), "https://hooks.example.com", "benchmark.claim", json.RawMessage(`{}`), 5, now)
		if err := q.Enqueue(ctx, rec); err != nil {
			b.Fatalf("enqueue: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for done := 0; done < b.N; {
		batch, err := q.ClaimBatch(ctx, queue.ClaimOptions{Max: 10})
		if err != nil {
			b.Fatalf("claim: %v", err)
		}
		if len(batch) == 0 {
			b.Fatalf("queue drained after %d of %d records", done, b.N)
		}
		for _, rec := range batch {
			if err := q.Resolve(ctx, rec, domain.Delivered(http.StatusOK)); err != nil {
				b.Fatalf("resolve: %v", err)
			}
		}
		done += len(batch)
	}
}

// BenchmarkFlushMemory measures the worker path without a store: claim,
// HTTP delivery to a local receiver and resolve.
func BenchmarkFlushMemory(b *testing.B) {
	for _, concurrency := range []int{1, 10} {
		b.Run(fmt.Sprintf("concurrency=%d", concurrency), func(b *testing.B) {
			ctx := context.Background()
			srv := okReceiver(b)
			q := memqueue.New(nil)
			prod := producer.New(q, nil, 5, nil)

			for i := 0; i < b.N; i++ {
				if _, err := prod.Enqueue(ctx, producer.Params{TargetURL: srv.URL, EventType: "benchmark.flush"}); err != nil {
					b.Fatalf("enqueue: %v", err)
				}
			}
			flusher := newFlusher(q, 10, concurrency)

			b.ResetTimer()
			b.ReportAllocs()

			for done := 0; done < b.N; {
				n, err := flusher.Flush(ctx, false, 0)
				if err != nil {
					b.Fatalf("flush: %v", err)
				}
				if n == 0 {
					b.Fatalf("queue drained after %d of %d records", done, b.N)
				}
				done += n
			}
		})
	}
}

// TestThroughputReport runs competing workers against Postgres for a fixed
// duration and logs end-to-end delivery throughput.
func TestThroughputReport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t)
	q := postgres.New(pool, postgres.DefaultConfig(), nil)
	srv := okReceiver(t)
	prod := producer.New(q, nil, 5, nil)

	const (
		total   = 5000
		workers = 4
	)
	for i := 0; i < total; i++ {
		if _, err := prod.Enqueue(ctx, producer.Params{TargetURL: srv.URL, EventType: "benchmark.throughput"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var delivered int64
	start := time.Now()
	deadline := start.Add(30 * time.Second)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			flusher := newFlusher(q, 50, 10)
			for time.Now().Before(deadline) && atomic.LoadInt64(&delivered) < total {
				n, err := flusher.Flush(ctx, false, 0)
				if err != nil {
					t.Errorf("flush: %v", err)
					return
				}
				if n == 0 {
					return
				}
				atomic.AddInt64(&delivered, int64(n))
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)

	var remaining int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM webhook_events WHERE status <> 'delivered'").Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}

	t.Logf("\n=== Throughput Report ===")
	t.Logf("Duration:          %v", elapsed.Round(time.Millisecond))
	t.Logf("Workers:           %d (concurrency 10 each)", workers)
	t.Logf("Delivered:         %d", delivered)
	t.Logf("Not delivered:     %d", remaining)
	t.Logf("Throughput:        %.0f webhooks/second", float64(delivered)/elapsed.Seconds())

	if remaining != 0 {
		t.Errorf("expected every record delivered, %d left", remaining)
	}
}
