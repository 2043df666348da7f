package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blizhe/chat-server/internal/matching"
)

func testRecord() matching.SessionRecord {
	created := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	return matching.SessionRecord{
		SessionID: "room_1714593600000_deadbeef",
		Members:   [2]string{"u1", "u2"},
		Moods:     [2]matching.Mood{matching.MoodListen, matching.MoodSupport},
		Mood:      matching.MoodListen,
		Pass:      matching.PassPreferred,
		CreatedAt: created,
		Waited:    1500 * time.Millisecond,
	}
}

func TestNewSessionEvent_Open(t *testing.T) {
	ev := NewSessionEvent(testRecord())

	assert.Equal(t, "room_1714593600000_deadbeef", ev.SessionID)
	assert.Equal(t, [2]string{"listen", "support"}, ev.Moods)
	assert.Equal(t, int64(1500), ev.WaitedMs)
	assert.Nil(t, ev.ClosedAt)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "closed_at")
	assert.NotContains(t, string(data), "reason")
}

func TestNewSessionEvent_Closed(t *testing.T) {
	rec := testRecord()
	rec.ClosedAt = rec.CreatedAt.Add(90 * time.Second)
	rec.Reason = matching.ReasonDisconnected

	ev := NewSessionEvent(rec)
	require.NotNil(t, ev.ClosedAt)
	assert.Equal(t, rec.ClosedAt, *ev.ClosedAt)
	assert.Equal(t, "disconnected", ev.Reason)
	assert.Equal(t, int64(90000), ev.DurationMs)
}

// setupTestNATS connects to a local NATS server. Tests are skipped if it is
// unavailable.
func setupTestNATS(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishSessionEvents(t *testing.T) {
	c := setupTestNATS(t)

	type got struct {
		subject string
		ev      SessionEvent
	}
	ch := make(chan got, 2)
	require.NoError(t, c.SubscribeSessionEvents(func(subject string, ev SessionEvent) {
		ch <- got{subject, ev}
	}))
	require.NoError(t, c.Flush())

	rec := testRecord()
	require.NoError(t, c.PublishSessionPaired(rec))
	rec.ClosedAt = rec.CreatedAt.Add(time.Minute)
	rec.Reason = matching.ReasonLeft
	require.NoError(t, c.PublishSessionClosed(rec))

	for _, want := range []string{SubjectSessionPaired, SubjectSessionClosed} {
		select {
		case g := <-ch:
			assert.Equal(t, want, g.subject)
			assert.Equal(t, rec.SessionID, g.ev.SessionID)
		case <-time.After(2 * time.Second):
			t.Fatalf("no event on %s", want)
		}
	}
}
