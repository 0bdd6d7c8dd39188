// Load generator for measuring ingest and end-to-end delivery throughput.
// Usage: go run ./scripts/loadgen -events 10000 -receiver http://r1:9999/webhook,http://r2:9999/webhook
//
// Webhooks are spread round-robin over the receivers, so several receivers
// exercise the per-host guards independently.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipemaragno/boardhooks/internal/producer"
)

type statusResponse struct {
	Status string `json:"status"`
}

func main() {
	numEvents := flag.Int("events", 1000, "number of webhooks to enqueue")
	apiURL := flag.String("api", "http://localhost:8080", "ingest API URL")
	receivers := flag.String("receiver", "http://receiver:9999/webhook", "comma-separated receiver URLs")
	concurrency := flag.Int("concurrency", 100, "concurrent HTTP requests")
	waitTime := flag.Int("wait", 60, "max seconds to wait for delivery")
	runID := flag.String("run", time.Now().Format("150405"), "prefix for event ids")
	flag.Parse()

	targets := strings.Split(*receivers, ",")

	fmt.Println("==============================================")
	fmt.Println("  boardhooks throughput benchmark")
	fmt.Println("==============================================")
	fmt.Printf("  Webhooks: %d\n", *numEvents)
	fmt.Printf("  Receivers: %d\n", len(targets))
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Println("==============================================")
	fmt.Println()

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	fmt.Print("[1/3] Checking API health... ")
	resp, err := client.Get(*apiURL + "/health")
	if err != nil {
		log.Fatalf("API not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API unhealthy: %d", resp.StatusCode)
	}
	fmt.Println("OK")

	ids := make([]string, *numEvents)
	for i := range ids {
		ids[i] = fmt.Sprintf("bench-%s-%d", *runID, i)
	}

	fmt.Printf("[2/3] Enqueueing %d webhooks... ", *numEvents)
	start := time.Now()
	successCount, failCount := sendWebhooks(client, *apiURL, targets, ids, *concurrency)
	ingestDuration := time.Since(start)
	ingestRate := float64(successCount) / ingestDuration.Seconds()
	fmt.Printf("done (%.2fs, %.0f webhooks/s)\n", ingestDuration.Seconds(), ingestRate)
	if failCount > 0 {
		fmt.Printf("  WARNING: %d webhooks were not accepted\n", failCount)
	}

	fmt.Printf("[3/3] Waiting up to %ds for delivery...\n", *waitTime)
	finished := waitForTerminal(client, *apiURL, ids, *concurrency, time.Duration(*waitTime)*time.Second)
	totalDuration := time.Since(start)

	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  BENCHMARK RESULTS")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Println("  Ingestion (API -> queue):")
	fmt.Printf("    Webhooks accepted: %d\n", successCount)
	fmt.Printf("    Duration: %.2fs\n", ingestDuration.Seconds())
	fmt.Printf("    Throughput: %.0f webhooks/s\n", ingestRate)
	fmt.Println()
	fmt.Println("  End-to-end:")
	for status, n := range finished {
		fmt.Printf("    %s: %d\n", status, n)
	}
	fmt.Printf("    Total duration: %.2fs\n", totalDuration.Seconds())
	fmt.Printf("    Throughput: %.0f webhooks/s\n", float64(finished["delivered"])/totalDuration.Seconds())
	fmt.Println()
	fmt.Println("==============================================")
}

func sendWebhooks(client *http.Client, apiURL string, targets, ids []string, concurrency int) (int64, int64) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var successCount, failCount int64

	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			body, _ := json.Marshal(producer.Params{
				ID:        id,
				TargetURL: targets[i%len(targets)],
				EventType: "bench.task.created",
				Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/webhooks", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failCount, 1)
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusConflict {
				atomic.AddInt64(&successCount, 1)
			} else {
				atomic.AddInt64(&failCount, 1)
			}
		}(i, id)
	}

	wg.Wait()
	return successCount, failCount
}

// waitForTerminal polls GET /webhooks/{id} until every record is delivered
// or failed, or the deadline passes. It returns counts by final status.
func waitForTerminal(client *http.Client, apiURL string, ids []string, concurrency int, maxWait time.Duration) map[string]int {
	deadline := time.Now().Add(maxWait)
	pending := ids
	counts := make(map[string]int)

	for len(pending) > 0 && time.Now().Before(deadline) {
		var mu sync.Mutex
		var next []string
		var wg sync.WaitGroup
		sem := make(chan struct{}, concurrency)

		for _, id := range pending {
			wg.Add(1)
			sem <- struct{}{}
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()

				status := fetchStatus(client, apiURL, id)
				mu.Lock()
				defer mu.Unlock()
				if status == "delivered" || status == "failed" {
					counts[status]++
				} else {
					next = append(next, id)
				}
			}(id)
		}
		wg.Wait()

		pending = next
		if len(pending) > 0 {
			fmt.Printf("  %d still in progress\n", len(pending))
			time.Sleep(time.Second)
		}
	}
	if len(pending) > 0 {
		counts["unfinished"] = len(pending)
	}
	return counts
}

func fetchStatus(client *http.Client, apiURL, id string) string {
	resp, err := client.Get(apiURL + "/webhooks/" + id)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return ""
	}
	return s.Status
}
