// Command loadtest drives the retrieval service with a weighted mix of plain,
// filtered, unreranked and batch queries and reports throughput, latency
// percentiles per request kind, empty result lists and the cache hit rate
// observed during the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	RPS         float64
}

// kindStats accumulates the outcome of one request kind.
type kindStats struct {
	requests    int64
	errors      int64
	empty       int64
	latencies   []time.Duration
	statusCodes map[int]int64
}

type Stats struct {
	mu    sync.Mutex
	kinds map[Kind]*kindStats
}

func NewStats() *Stats {
	return &Stats{kinds: make(map[Kind]*kindStats)}
}

// Record adds one request. statusCode is zero when the request never got
// a response.
func (s *Stats) Record(kind Kind, d time.Duration, statusCode, empty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kinds[kind]
	if !ok {
		k = &kindStats{statusCodes: make(map[int]int64)}
		s.kinds[kind] = k
	}
	k.requests++
	if statusCode == 0 {
		k.errors++
		return
	}
	k.statusCodes[statusCode]++
	if statusCode < 200 || statusCode >= 300 {
		k.errors++
	}
	k.empty += int64(empty)
	k.latencies = append(k.latencies, d)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the retrieval service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	rps := flag.Float64("rps", 0, "overall request rate limit, 0 for unlimited")
	topK := flag.Int("top-k", 10, "passages requested per query")
	batchSize := flag.Int("batch-size", 5, "queries per batch request")
	plain := flag.Int("w-plain", 6, "weight of plain queries")
	filtered := flag.Int("w-filtered", 2, "weight of queries with tag and format filters")
	noRerank := flag.Int("w-no-rerank", 1, "weight of queries with reranking off")
	batch := flag.Int("w-batch", 1, "weight of batch requests")
	flag.Parse()

	mix, err := NewMix(Weights{
		KindPlain:    *plain,
		KindFiltered: *filtered,
		KindNoRerank: *noRerank,
		KindBatch:    *batch,
	}, esgQueries, *topK, *batchSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid mix: %v\n", err)
		os.Exit(2)
	}
	cfg := Config{BaseURL: *baseURL, Concurrency: *concurrency, Duration: *duration, RPS: *rps}

	fmt.Println("=== Passage Retrieval Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	if cfg.RPS > 0 {
		fmt.Printf("Rate limit:  %.0f req/s\n", cfg.RPS)
	}
	fmt.Printf("Queries:     %d unique, batch size %d\n", len(esgQueries), *batchSize)
	fmt.Println()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	before, beforeErr := cacheStats(context.Background(), client, cfg.BaseURL)
	stats := runLoadTest(cfg, client, mix)
	after, afterErr := cacheStats(context.Background(), client, cfg.BaseURL)

	total := printReport(stats, cfg.Duration)
	if beforeErr == nil && afterErr == nil {
		hits, misses := after.Hits-before.Hits, after.Misses-before.Misses
		fmt.Println()
		fmt.Println("=== Result Cache ===")
		fmt.Printf("Hits: %d  Misses: %d", hits, misses)
		if hits+misses > 0 {
			fmt.Printf("  Hit rate: %.1f%%", float64(hits)/float64(hits+misses)*100)
		}
		fmt.Println()
	}
	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func runLoadTest(cfg Config, client *http.Client, mix *Mix) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	limiter := rate.NewLimiter(limit, max(1, cfg.Concurrency))

	fmt.Print("Running")
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	var g errgroup.Group
	for w := range cfg.Concurrency {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for seq := w; ; seq++ {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				kind, path, body := mix.Next(rng, seq)
				req, err := newRequest(ctx, cfg.BaseURL+path, body)
				if err != nil {
					return err
				}
				start := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					stats.Record(kind, time.Since(start), 0, 0)
					continue
				}
				data, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				d := time.Since(start)
				empty := 0
				if resp.StatusCode == http.StatusOK {
					empty = emptyResults(kind, data)
				}
				stats.Record(kind, d, resp.StatusCode, empty)
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintf(os.Stderr, "\nworker stopped: %v\n", err)
	}
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

// printReport writes the per-kind tables and returns the request total.
func printReport(stats *Stats, duration time.Duration) int64 {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	kinds := make([]Kind, 0, len(stats.kinds))
	for k := range stats.kinds {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	var total, errs int64
	var all []time.Duration
	codes := make(map[int]int64)
	fmt.Println("=== Results by kind ===")
	fmt.Printf("%-10s %8s %7s %7s %10s %10s %10s\n", "KIND", "REQS", "ERRORS", "EMPTY", "P50", "P95", "P99")
	for _, k := range kinds {
		ks := stats.kinds[k]
		sort.Slice(ks.latencies, func(i, j int) bool { return ks.latencies[i] < ks.latencies[j] })
		fmt.Printf("%-10s %8d %7d %7d %10s %10s %10s\n", k, ks.requests, ks.errors, ks.empty,
			percentile(ks.latencies, 50), percentile(ks.latencies, 95), percentile(ks.latencies, 99))
		total += ks.requests
		errs += ks.errors
		all = append(all, ks.latencies...)
		for code, n := range ks.statusCodes {
			codes[code] += n
		}
	}

	fmt.Println()
	fmt.Println("=== Totals ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Errors:          %d\n", errs)
	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errs)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	if len(all) > 0 {
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
		var sum time.Duration
		for _, l := range all {
			sum += l
		}
		avg := sum / time.Duration(len(all))
		var sq float64
		for _, l := range all {
			diff := float64(l - avg)
			sq += diff * diff
		}
		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", all[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P90:    %s\n", percentile(all, 90))
		fmt.Printf("Max:    %s\n", all[len(all)-1])
		fmt.Printf("StdDev: %s\n", time.Duration(math.Sqrt(sq/float64(len(all)))))
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	sorted := make([]int, 0, len(codes))
	for code := range codes {
		sorted = append(sorted, code)
	}
	sort.Ints(sorted)
	for _, code := range sorted {
		fmt.Printf("  %d: %d\n", code, codes[code])
	}
	return total
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
