// Package stats aggregates metrics from many load test clients and prints a
// summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates client measurements. All methods are goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	connect     []time.Duration
	register    []time.Duration
	match       []time.Duration
	message     []time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a server metrics scraper whose summary is appended to
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a registered connection and its handshake latencies.
func (c *Collector) AddConnect(connect, register time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, connect)
	if register > 0 {
		c.register = append(c.register, register)
	}
	c.connections++
	c.mu.Unlock()
}

// AddMatchLatency records the time from start_search to paired.
func (c *Collector) AddMatchLatency(d time.Duration) {
	c.mu.Lock()
	c.match = append(c.match, d)
	c.mu.Unlock()
}

// AddMsgLatency records the time from sending a message to the partner
// receiving it.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.message = append(c.message, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, section := range []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Register Latency", c.register},
		{"Match Latency", c.match},
		{"Message Latency", c.message},
	} {
		if p, ok := Summarize(section.samples); ok {
			fmt.Printf("\n--- %s ---\n  %s\n", section.title, p)
		}
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Percentiles summarizes a latency distribution.
type Percentiles struct {
	Avg, P50, P95, P99, Max time.Duration
	N                       int
}

func (p Percentiles) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		p.Avg.Round(time.Microsecond),
		p.P50.Round(time.Microsecond),
		p.P95.Round(time.Microsecond),
		p.P99.Round(time.Microsecond),
		p.Max.Round(time.Microsecond),
		p.N)
}

// Summarize computes percentiles over a copy of samples. It reports false
// for an empty slice.
func Summarize(samples []time.Duration) (Percentiles, bool) {
	n := len(samples)
	if n == 0 {
		return Percentiles{}, false
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
		N:   n,
	}, true
}
