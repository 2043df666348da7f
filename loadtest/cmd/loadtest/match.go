package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blizhe/chat-server/internal/matching"
	"github.com/blizhe/chat-server/internal/protocol"
	"github.com/blizhe/chat-server/loadtest/stats"
)

// runMatch connects pairs of users, has every user search, and measures how
// long pairing takes under concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for paired")
	mood := fs.String("mood", "", "Mood every user searches with (empty = spread over all moods)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, mood=%q)\n",
		*pairs, total, *url, *rampUp, *matchTimeout, *mood)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect and register ---")
	clients, complete := connectAll(ctx, rampConfig{
		url: *url, clients: total, rampUp: *rampUp, concurrency: *concurrency,
	}, collector)
	if !complete {
		fmt.Println("Interrupted, skipping matching phase.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Println("\n--- Phase 2: Search ---")
	var paired atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	stopProgress := progress(2*time.Second, func(elapsed time.Duration) {
		n := paired.Load()
		fmt.Printf("  [match] paired: %d/%d  errors: %d  rate: %.1f pairs/s\n",
			n, len(clients), collector.ErrorCount(), float64(n)/2/elapsed.Seconds())
	})

	for i, c := range clients {
		done := make(chan struct{})
		var once sync.Once
		c.On(protocol.TypePaired, func(json.RawMessage) {
			once.Do(func() {
				collector.AddMatchLatency(time.Since(start))
				paired.Add(1)
				close(done)
			})
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			timer := time.NewTimer(*matchTimeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		if err := c.StartSearch(searchMood(*mood, i/2)); err != nil {
			collector.AddError()
		}
	}

	wg.Wait()
	stopProgress()
	elapsed := time.Since(start)

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Clients paired:    %d / %d\n", paired.Load(), len(clients))
	fmt.Printf("Match duration:    %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(paired.Load())/2/elapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}

// searchMood picks the mood for the n-th pair. Both members of a pair use
// the same mood so that any strategy can pair them.
func searchMood(fixed string, n int) string {
	if fixed != "" {
		return fixed
	}
	moods := matching.Moods()
	return string(moods[n%len(moods)])
}
