package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server metric names the scraper tracks. Labeled series are summed.
const (
	metricConnections    = "blizhe_connections"
	metricWaiting        = "blizhe_waiting_users"
	metricActiveSessions = "blizhe_active_sessions"
	metricPairings       = "blizhe_pairings_total"
	metricClosed         = "blizhe_sessions_closed_total"
	metricRelayed        = "blizhe_messages_relayed_total"
	metricDropped        = "blizhe_frames_dropped_total"
	metricMatchWait      = "blizhe_match_wait_seconds"
	metricDuration       = "blizhe_session_duration_seconds"
)

// snapshot maps a metric name (labels stripped) to its summed value.
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the scraper and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	values, err := parseMetrics(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snapshot{at: time.Now(), values: values})
	s.mu.Unlock()
}

// parseMetrics reads the Prometheus text format and sums every sample per
// metric name.
func parseMetrics(r io.Reader) (map[string]float64, error) {
	values := make(map[string]float64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if name, v, ok := parseMetricLine(line); ok {
			values[name] += v
		}
	}
	return values, scanner.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// name and the value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		closing := strings.LastIndexByte(raw, '}')
		if closing < idx {
			return "", 0, false
		}
		name = raw[:idx]
		raw = name + raw[closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for each tracked metric plus
// histogram averages over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := slices.Clone(s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-18s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, m := range []struct{ label, name string }{
		{"Connections", metricConnections},
		{"Waiting", metricWaiting},
		{"Active Sessions", metricActiveSessions},
		{"Pairings", metricPairings},
		{"Sessions Closed", metricClosed},
		{"Messages Relayed", metricRelayed},
		{"Frames Dropped", metricDropped},
	} {
		initial, final := first.values[m.name], last.values[m.name]
		fmt.Printf("  %-18s %10.0f %10.0f %10.0f %10.0f\n",
			m.label, initial, final, final-initial, peak(snaps, m.name))
	}

	fmt.Println()
	printHistogramAvg("Match Wait", metricMatchWait, first, last)
	printHistogramAvg("Session Duration", metricDuration, first, last)
}

// histogramAvg is the mean of the observations made between two snapshots.
func histogramAvg(name string, first, last snapshot) (avg, count float64) {
	count = last.values[name+"_count"] - first.values[name+"_count"]
	if count <= 0 {
		return 0, 0
	}
	return (last.values[name+"_sum"] - first.values[name+"_sum"]) / count, count
}

func printHistogramAvg(label, name string, first, last snapshot) {
	if avg, count := histogramAvg(name, first, last); count > 0 {
		fmt.Printf("  %-18s avg: %.4fs  (%.0f observations)\n", label, avg, count)
	} else {
		fmt.Printf("  %-18s avg: N/A  (no observations)\n", label)
	}
}

func peak(snaps []snapshot, name string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[name])
	}
	return p
}
