package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/blizhe/chat-server/loadtest/stats"
)

// runSaturate opens the requested number of registered connections, then
// holds them idle while counting drops, to find the server's connection
// capacity.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 5*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients, complete := connectAll(ctx, rampConfig{
		url: *url, clients: *connections, rampUp: *rampUp, concurrency: *concurrency,
	}, collector)

	if complete {
		fmt.Printf("\n--- Hold phase: %d connections for %s ---\n", len(clients), *hold)
		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-status.C:
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), len(clients)-alive)
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
