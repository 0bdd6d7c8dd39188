// Webhook receiver for local and load testing.
// Usage: go run ./scripts/testserver -port 9999 -secret s3cret -fail-rate 0.1
package main

import (
	"crypto/hmac"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/boardhooks/internal/delivery"
)

var (
	requestCount   uint64
	successCount   uint64
	failureCount   uint64
	duplicateCount uint64
	badSigCount    uint64
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", "", "verify X-Webhook-Signature with this key")
	fail := flag.Bool("fail", false, "return 500 errors")
	failRate := flag.Float64("fail-rate", 0, "random 500 rate (0.0-1.0)")
	rejectRate := flag.Float64("reject-rate", 0, "random 410 rate (0.0-1.0)")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	// Event IDs already answered with 2xx; a repeat is a duplicate delivery.
	var delivered sync.Map

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			total := atomic.SwapUint64(&requestCount, 0)
			success := atomic.SwapUint64(&successCount, 0)
			failures := atomic.SwapUint64(&failureCount, 0)
			if total > 0 {
				fmt.Printf("[STATS] Total: %d | Success: %d | Failures: %d | Duplicates: %d | Bad signatures: %d | Rate: %.1f req/s\n",
					total, success, failures,
					atomic.LoadUint64(&duplicateCount), atomic.LoadUint64(&badSigCount),
					float64(total)/5.0)
			}
		}
	}()

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&requestCount, 1)

		delay := time.Duration(*latency) * time.Millisecond
		if *jitter > 0 {
			jitterMs := rand.Intn(*jitter*2) - *jitter
			delay += time.Duration(jitterMs) * time.Millisecond
		}
		time.Sleep(delay)

		body, _ := io.ReadAll(r.Body)
		id := r.Header.Get(delivery.HeaderEventID)

		if *secret != "" {
			want := "sha256=" + delivery.Sign(*secret, r.Header.Get(delivery.HeaderTimestamp), body)
			if !hmac.Equal([]byte(want), []byte(r.Header.Get(delivery.HeaderSignature))) {
				atomic.AddUint64(&badSigCount, 1)
				atomic.AddUint64(&failureCount, 1)
				http.Error(w, "bad signature", http.StatusUnauthorized)
				return
			}
		}

		status := http.StatusOK
		switch {
		case *fail || (*failRate > 0 && rand.Float64() < *failRate):
			status = http.StatusInternalServerError
		case *rejectRate > 0 && rand.Float64() < *rejectRate:
			status = http.StatusGone
		}

		if !*quiet {
			fmt.Printf("[REQ] Event-ID: %s | Type: %s | Attempt: %s | Latency: %v | Status: %d\n",
				id,
				r.Header.Get(delivery.HeaderEventType),
				r.Header.Get(delivery.HeaderAttempt),
				delay,
				status)
			if len(body) > 0 && len(body) < 200 {
				fmt.Printf("      Body: %s\n", string(body))
			}
		}

		if status != http.StatusOK {
			atomic.AddUint64(&failureCount, 1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte("simulated failure"))
			return
		}

		if _, seen := delivered.LoadOrStore(id, struct{}{}); seen {
			atomic.AddUint64(&duplicateCount, 1)
		}
		atomic.AddUint64(&successCount, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Webhook receiver listening on %s\n", addr)
	fmt.Printf("  Latency: %dms (+/- %dms)\n", *latency, *jitter)
	fmt.Printf("  Fail mode: %v | Fail rate: %.1f%% | Reject rate: %.1f%%\n", *fail, *failRate*100, *rejectRate*100)
	fmt.Printf("  Signature check: %v | Quiet: %v\n", *secret != "", *quiet)
	log.Fatal(http.ListenAndServe(addr, nil))
}
