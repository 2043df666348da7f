package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP blizhe_connections Current number of open WebSocket connections
# TYPE blizhe_connections gauge
blizhe_connections 12
blizhe_pairings_total{strategy_pass="exact"} 3
blizhe_pairings_total{strategy_pass="preferred"} 4
blizhe_match_wait_seconds_bucket{le="+Inf"} 7
blizhe_match_wait_seconds_sum 3.5
blizhe_match_wait_seconds_count 7
`

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"blizhe_connections 12", "blizhe_connections", 12, true},
		{`blizhe_sessions_closed_total{reason="left"} 2`, "blizhe_sessions_closed_total", 2, true},
		{`x{a="b",c="d"} 1e3 1700000000`, "x", 1000, true},
		{"just_a_name", "", 0, false},
		{"bad_value NaNx", "", 0, false},
		{`broken{a="b" 1`, "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.name, name, tt.line)
			assert.Equal(t, tt.value, value, tt.line)
		}
	}
}

func TestParseMetrics_SumsLabels(t *testing.T) {
	values, err := parseMetrics(strings.NewReader(exposition))
	require.NoError(t, err)

	assert.Equal(t, 12.0, values[metricConnections])
	assert.Equal(t, 7.0, values[metricPairings])
	assert.Equal(t, 3.5, values[metricMatchWait+"_sum"])
}

func TestHistogramAvg(t *testing.T) {
	first := snapshot{values: map[string]float64{"h_sum": 1, "h_count": 2}}
	last := snapshot{values: map[string]float64{"h_sum": 7, "h_count": 5}}

	avg, count := histogramAvg("h", first, last)
	assert.Equal(t, 2.0, avg)
	assert.Equal(t, 3.0, count)

	_, count = histogramAvg("h", last, last)
	assert.Zero(t, count)
}

func TestScraper_StartStop(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(exposition))
	}))
	defer ts.Close()

	s := NewScraper(ts.URL, 10*time.Millisecond)
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.GreaterOrEqual(t, len(s.snapshots), 2)
	assert.Equal(t, 12.0, s.snapshots[0].values[metricConnections])
	assert.Equal(t, 12.0, peak(s.snapshots, metricConnections))
}
