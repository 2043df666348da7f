package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	_, ok := Summarize(nil)
	assert.False(t, ok)

	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	p, ok := Summarize(samples)
	require.True(t, ok)
	assert.Equal(t, 100, p.N)
	assert.Equal(t, 51*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
	assert.Equal(t, 99*time.Millisecond, p.P99)
	assert.Equal(t, 100*time.Millisecond, p.Max)
	assert.Equal(t, 50500*time.Microsecond, p.Avg)
	assert.Equal(t, 100*time.Millisecond, samples[0], "input is not reordered")
}

func TestSummarize_Single(t *testing.T) {
	p, ok := Summarize([]time.Duration{time.Second})
	require.True(t, ok)
	assert.Equal(t, time.Second, p.P50)
	assert.Equal(t, time.Second, p.P99)
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddConnect(time.Millisecond, 2*time.Millisecond)
			c.AddMatchLatency(time.Millisecond)
			c.AddMsgLatency(time.Millisecond)
			c.AddError()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, c.ConnectionCount())
	assert.Equal(t, 50, c.ErrorCount())
}
