package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/blizhe/chat-server/internal/protocol"
	"github.com/blizhe/chat-server/loadtest/client"
	"github.com/blizhe/chat-server/loadtest/stats"
)

// runChat runs the whole session lifecycle per user: search, exchange
// messages with the partner for a while, then leave. Message latency is
// measured from a send timestamp embedded in every message.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for paired")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *url, *chatDuration, *msgInterval, *msgSize)

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
		fmt.Println("Interrupted, skipping chat phase.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Printf("\n--- Phase 2: Search, chat, leave (%d clients) ---\n", len(clients))
	var sent, received, finished atomic.Int64
	stopProgress := progress(2*time.Second, func(time.Duration) {
		fmt.Printf("  [chat] sent: %d  received: %d  finished: %d/%d  errors: %d\n",
			sent.Load(), received.Load(), finished.Load(), len(clients), collector.ErrorCount())
	})

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer finished.Add(1)
			runChatter(ctx, c, chatterConfig{
				mood:         searchMood("", i/2),
				matchTimeout: *matchTimeout,
				duration:     *chatDuration,
				interval:     *msgInterval,
				size:         *msgSize,
			}, collector, &sent, &received)
		}()
	}
	wg.Wait()
	stopProgress()

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Messages sent:     %d\n", sent.Load())
	fmt.Printf("Messages received: %d\n", received.Load())
	if s := sent.Load(); s > 0 {
		fmt.Printf("Delivery ratio:    %.2f%%\n", float64(received.Load())/float64(s)*100)
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}

type chatterConfig struct {
	mood         string
	matchTimeout time.Duration
	duration     time.Duration
	interval     time.Duration
	size         int
}

// runChatter drives one client through a single session.
func runChatter(ctx context.Context, c *client.Client, cfg chatterConfig, collector *stats.Collector, sent, received *atomic.Int64) {
	paired := make(chan struct{})
	partnerLeft := make(chan struct{})
	var pairOnce, leftOnce sync.Once

	c.On(protocol.TypePaired, func(json.RawMessage) { pairOnce.Do(func() { close(paired) }) })
	c.On(protocol.TypePartnerLeft, func(json.RawMessage) { leftOnce.Do(func() { close(partnerLeft) }) })
	c.On(protocol.TypeMessageReceived, func(raw json.RawMessage) {
		var m protocol.MessageReceivedMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		received.Add(1)
		if at, ok := sentAt(m.Text); ok {
			collector.AddMsgLatency(time.Since(at))
		}
	})

	start := time.Now()
	if err := c.StartSearch(cfg.mood); err != nil {
		collector.AddError()
		return
	}

	timer := time.NewTimer(cfg.matchTimeout)
	select {
	case <-paired:
		timer.Stop()
		collector.AddMatchLatency(time.Since(start))
	case <-timer.C:
		collector.AddError()
		_ = c.Leave()
		return
	case <-ctx.Done():
		timer.Stop()
		return
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	end := time.NewTimer(cfg.duration)
	defer end.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Chat(timestamped(time.Now(), cfg.size)); err != nil {
				collector.AddError()
				return
			}
			sent.Add(1)
		case <-partnerLeft:
			// The server requeued us; leaving also drops the search.
			_ = c.Leave()
			return
		case <-end.C:
			_ = c.Leave()
			return
		case <-ctx.Done():
			return
		}
	}
}

// timestamped builds a message of size bytes that starts with the send time.
func timestamped(at time.Time, size int) string {
	prefix := strconv.FormatInt(at.UnixNano(), 10) + ":"
	if size <= len(prefix) {
		return prefix
	}
	return prefix + strings.Repeat("x", min(size, protocol.MaxTextChars)-len(prefix))
}

// sentAt recovers the send time embedded by timestamped.
func sentAt(text string) (time.Time, bool) {
	head, _, ok := strings.Cut(text, ":")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
