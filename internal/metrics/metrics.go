// Package metrics provides Prometheus instrumentation for the chat server.
// Occupancy gauges are read from the live matching state at scrape time;
// counters and histograms are fed by session lifecycle records.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blizhe/chat-server/internal/matching"
)

var (
	// PairingsTotal counts created sessions, labeled by the scan pass that
	// found the partner: "preferred", "exact" or "compatible".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blizhe_pairings_total",
		Help: "Total number of sessions created",
	}, []string{"strategy_pass"})

	// SessionsClosedTotal counts closed sessions by reason.
	SessionsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blizhe_sessions_closed_total",
		Help: "Total number of sessions closed",
	}, []string{"reason"}) // reason = "left", "disconnected", "expired"

	// MessagesRelayedTotal counts chat messages forwarded to a partner.
	MessagesRelayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blizhe_messages_relayed_total",
		Help: "Total number of chat messages relayed between partners",
	})

	// FramesDroppedTotal counts outbound frames dropped because a
	// connection's outbox was full or closed.
	FramesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blizhe_frames_dropped_total",
		Help: "Total number of outbound frames dropped",
	})

	// MatchWait records how long the waiting partner sat in the pool.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blizhe_match_wait_seconds",
		Help:    "Time the waiting partner spent in the pool before pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// SearchAbandoned records how long users waited before cancelling a
	// search.
	SearchAbandoned = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blizhe_search_abandoned_seconds",
		Help:    "Time spent in the pool by users who cancelled their search",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// SessionDuration records how long sessions lived.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blizhe_session_duration_seconds",
		Help:    "Lifetime of closed sessions",
		Buckets: []float64{5, 15, 30, 60, 300, 600, 1800, 3600, 7200},
	})
)

func init() {
	prometheus.MustRegister(
		PairingsTotal,
		SessionsClosedTotal,
		MessagesRelayedTotal,
		FramesDroppedTotal,
		MatchWait,
		SearchAbandoned,
		SessionDuration,
	)
}

// RegisterGauges registers the occupancy gauges. They are computed from
// stats and connections on every scrape, so they never drift from the live
// structures.
func RegisterGauges(reg prometheus.Registerer, stats func() matching.Stats, connections func() int) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "blizhe_connections",
			Help: "Current number of open WebSocket connections",
		}, func() float64 { return float64(connections()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "blizhe_waiting_users",
			Help: "Current number of users in the waiting pool",
		}, func() float64 { return float64(stats().Waiting) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "blizhe_active_sessions",
			Help: "Current number of live sessions",
		}, func() float64 { return float64(stats().ActiveSessions) }),
	}

	var errs []error
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder feeds session lifecycle records into the counters and histograms.
type Recorder struct{}

// SessionOpened implements matching.Recorder.
func (Recorder) SessionOpened(rec matching.SessionRecord) {
	PairingsTotal.WithLabelValues(string(rec.Pass)).Inc()
	MatchWait.Observe(rec.Waited.Seconds())
}

// SessionClosed implements matching.Recorder.
func (Recorder) SessionClosed(rec matching.SessionRecord) {
	SessionsClosedTotal.WithLabelValues(string(rec.Reason)).Inc()
	SessionDuration.Observe(rec.Duration().Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
