package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blizhe/chat-server/internal/matching"
)

func TestRecorder(t *testing.T) {
	var r Recorder
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	pairedBefore := testutil.ToFloat64(PairingsTotal.WithLabelValues("preferred"))
	closedBefore := testutil.ToFloat64(SessionsClosedTotal.WithLabelValues("left"))

	r.SessionOpened(matching.SessionRecord{Pass: matching.PassPreferred, CreatedAt: created, Waited: 3 * time.Second})
	r.SessionClosed(matching.SessionRecord{CreatedAt: created, ClosedAt: created.Add(time.Minute), Reason: matching.ReasonLeft})

	assert.Equal(t, pairedBefore+1, testutil.ToFloat64(PairingsTotal.WithLabelValues("preferred")))
	assert.Equal(t, closedBefore+1, testutil.ToFloat64(SessionsClosedTotal.WithLabelValues("left")))
}

func TestRegisterGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := matching.Stats{Online: 5, Waiting: 2, ActiveSessions: 1}

	require.NoError(t, RegisterGauges(reg,
		func() matching.Stats { return stats },
		func() int { return 7 },
	))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		got[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"blizhe_connections":     7,
		"blizhe_waiting_users":   2,
		"blizhe_active_sessions": 1,
	}, got)

	stats.Waiting = 4
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "blizhe_waiting_users" {
			assert.Equal(t, 4.0, f.GetMetric()[0].GetGauge().GetValue(), "gauges are read at scrape time")
		}
	}

	assert.Error(t, RegisterGauges(reg, func() matching.Stats { return stats }, func() int { return 0 }),
		"double registration is reported")
}
