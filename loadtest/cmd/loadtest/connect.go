package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blizhe/chat-server/loadtest/client"
	"github.com/blizhe/chat-server/loadtest/stats"
)

type rampConfig struct {
	url         string
	clients     int
	rampUp      time.Duration
	concurrency int
}

// connectAll opens cfg.clients registered connections spread over the
// ramp-up period. It reports false if ctx was cancelled before all
// connections were attempted.
func connectAll(ctx context.Context, cfg rampConfig, collector *stats.Collector) ([]*client.Client, bool) {
	interval := cfg.rampUp / time.Duration(max(cfg.clients, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	var mu sync.Mutex
	clients := make([]*client.Client, 0, cfg.clients)
	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	stopProgress := progress(2*time.Second, func(elapsed time.Duration) {
		fmt.Printf("  [connect] registered: %d/%d  errors: %d  rate: %.1f conn/s\n",
			collector.ConnectionCount(), cfg.clients, collector.ErrorCount(),
			float64(collector.ConnectionCount())/elapsed.Seconds())
	})

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	complete := true
launch:
	for i := 0; i < cfg.clients; i++ {
		select {
		case <-ctx.Done():
			complete = false
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, cfg.url, client.Profile{
				Name:   fmt.Sprintf("load-%d", n),
				Age:    18 + n%50,
				Gender: []string{"male", "female"}[n%2],
			})
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitRegistered(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}

			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency, m.RegisterLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	stopProgress()

	fmt.Printf("\nConnected %d/%d clients in %s (%d errors)\n",
		len(clients), cfg.clients, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, complete
}

// progress calls report every interval until the returned stop function is
// called.
func progress(interval time.Duration, report func(elapsed time.Duration)) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	start := time.Now()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report(time.Since(start))
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
