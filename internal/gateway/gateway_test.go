package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blizhe/chat-server/internal/matching"
	"github.com/blizhe/chat-server/internal/metrics"
	"github.com/blizhe/chat-server/internal/protocol"
	"github.com/blizhe/chat-server/internal/ratelimit"
	"github.com/blizhe/chat-server/internal/verify"
)

type frame map[string]any

type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]frame
	gone   map[string]bool
	all    int
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][]frame), gone: make(map[string]bool)}
}

func (f *fakeSender) Send(connID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connID] {
		return false
	}
	var m frame
	if err := json.Unmarshal(data, &m); err != nil {
		panic(err)
	}
	f.frames[connID] = append(f.frames[connID], m)
	return true
}

func (f *fakeSender) Broadcast(data []byte) int {
	f.mu.Lock()
	f.all++
	ids := make([]string, 0, len(f.frames))
	for id := range f.frames {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	n := 0
	for _, id := range ids {
		if f.Send(id, data) {
			n++
		}
	}
	return n
}

func (f *fakeSender) ofType(connID, typ string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, m := range f.frames[connID] {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) types(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames[connID]))
	for _, m := range f.frames[connID] {
		out = append(out, m["type"].(string))
	}
	return out
}

// waitFor returns the most recent frame of the given type, waiting for
// asynchronous registration to deliver it.
func (f *fakeSender) waitFor(t *testing.T, connID, typ string) frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.ofType(connID, typ)) > 0 },
		2*time.Second, 5*time.Millisecond, "no %s frame for %s", typ, connID)
	got := f.ofType(connID, typ)
	return got[len(got)-1]
}

type fakeLimiter struct {
	mu    sync.Mutex
	deny  map[string]time.Duration // rule key -> retry after
	err   error
	reset []string
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return ratelimit.Decision{Allowed: true}, l.err
	}
	if retry, ok := l.deny[rule.Key]; ok {
		return ratelimit.Decision{RetryAfter: retry}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

func (l *fakeLimiter) Reset(_ context.Context, identifier string, _ ...ratelimit.Rule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset = append(l.reset, identifier)
	return nil
}

func newGateway(t *testing.T, limiter Limiter) (*Gateway, *fakeSender, *matching.Service) {
	t.Helper()
	svc, err := matching.NewService(matching.WithStrategy(matching.StrategyExact))
	require.NoError(t, err)
	sender := newFakeSender()
	g := New(svc, sender, verify.NewStatic(80, 0), limiter)
	t.Cleanup(g.Close)
	return g, sender, svc
}

func msg(format string, args ...any) []byte {
	return []byte(fmt.Sprintf(format, args...))
}

func registerUser(t *testing.T, g *Gateway, sender *fakeSender, id, name string) {
	t.Helper()
	g.HandleConnect(id)
	g.HandleMessage(id, msg(`{"type":"register","name":%q,"age":25,"gender":"female","photo":"data:image/png;base64,AAAA"}`, name))
	sender.waitFor(t, id, protocol.TypeRegistered)
}

func TestGateway_ConnectGreets(t *testing.T) {
	g, sender, svc := newGateway(t, nil)

	g.HandleConnect("c1")

	assert.Equal(t, []string{protocol.TypeConnected, protocol.TypeStatsUpdate}, sender.types("c1"))
	assert.Equal(t, "c1", sender.ofType("c1", protocol.TypeConnected)[0]["user_id"])
	assert.EqualValues(t, 1, sender.ofType("c1", protocol.TypeStatsUpdate)[0]["online"])

	u, ok := svc.User("c1")
	require.True(t, ok)
	assert.False(t, u.Verified)
}

func TestGateway_Register(t *testing.T) {
	g, sender, svc := newGateway(t, nil)
	registerUser(t, g, sender, "c1", "Anna")

	reg := sender.ofType("c1", protocol.TypeRegistered)[0]
	assert.EqualValues(t, 80, reg["trust_score"])
	profile := reg["profile"].(map[string]any)
	assert.Equal(t, "Anna", profile["name"])
	assert.EqualValues(t, 25, profile["age"])

	u, _ := svc.User("c1")
	assert.True(t, u.Verified)
	assert.Equal(t, "Anna", u.Profile.Name)
}

func TestGateway_RegisterTrimsName(t *testing.T) {
	g, sender, svc := newGateway(t, nil)
	registerUser(t, g, sender, "c1", "  Anna \t")

	profile := sender.ofType("c1", protocol.TypeRegistered)[0]["profile"].(map[string]any)
	assert.Equal(t, "Anna", profile["name"])

	u, _ := svc.User("c1")
	assert.Equal(t, "Anna", u.Profile.Name)
}

func TestGateway_VerificationFailed(t *testing.T) {
	g, sender, svc := newGateway(t, nil)
	g.HandleConnect("c1")

	g.HandleMessage("c1", []byte(`{"type":"register","name":"Anna","age":25,"gender":"female","photo":""}`))

	failed := sender.waitFor(t, "c1", protocol.TypeVerificationFailed)
	assert.Equal(t, []any{verify.FlagMissingPhoto}, failed["flags"])
	u, _ := svc.User("c1")
	assert.False(t, u.Verified)
}

func TestGateway_ChatFlow(t *testing.T) {
	g, sender, svc := newGateway(t, nil)
	registerUser(t, g, sender, "a", "Anna")
	registerUser(t, g, sender, "b", "Boris")

	g.HandleMessage("a", []byte(`{"type":"start_search","mood":"sad"}`))
	waiting := sender.ofType("a", protocol.TypeWaitingStarted)
	require.Len(t, waiting, 1)
	assert.Equal(t, "sad", waiting[0]["mood"])
	assert.Equal(t, "Sad", waiting[0]["mood_label"])
	assert.EqualValues(t, 1, waiting[0]["queue_position"])

	g.HandleMessage("b", []byte(`{"type":"start_search","mood":"SAD"}`))
	pa := sender.ofType("a", protocol.TypePaired)
	pb := sender.ofType("b", protocol.TypePaired)
	require.Len(t, pa, 1)
	require.Len(t, pb, 1)
	assert.Equal(t, pa[0]["session_id"], pb[0]["session_id"])
	assert.Equal(t, "Boris", pa[0]["partner"].(map[string]any)["name"])
	assert.Equal(t, "Anna", pb[0]["partner"].(map[string]any)["name"])

	g.HandleMessage("a", []byte(`{"type":"message","text":"hi there"}`))
	got := sender.ofType("b", protocol.TypeMessageReceived)
	require.Len(t, got, 1)
	assert.Equal(t, "Anna", got[0]["from"])
	assert.Equal(t, "hi there", got[0]["text"])
	assert.Empty(t, sender.ofType("a", protocol.TypeMessageReceived), "no echo to the sender")

	g.HandleMessage("b", []byte(`{"type":"typing","is_typing":true}`))
	typing := sender.ofType("a", protocol.TypeTypingState)
	require.Len(t, typing, 1)
	assert.Equal(t, true, typing[0]["is_typing"])

	g.HandleMessage("a", []byte(`{"type":"leave"}`))
	left := sender.ofType("b", protocol.TypePartnerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "left", left[0]["reason"])
	assert.Len(t, sender.ofType("b", protocol.TypeWaitingStarted), 1, "partner is requeued")
	assert.True(t, svc.IsWaiting("b"))
	assert.False(t, svc.IsWaiting("a"))
}

func TestGateway_CancelSearch(t *testing.T) {
	g, sender, svc := newGateway(t, nil)
	registerUser(t, g, sender, "a", "Anna")

	g.HandleMessage("a", []byte(`{"type":"start_search","mood":"bored"}`))
	require.True(t, svc.IsWaiting("a"))

	before := abandonedSearches(t)
	g.HandleMessage("a", []byte(`{"type":"cancel_search"}`))
	assert.False(t, svc.IsWaiting("a"))
	assert.Equal(t, before+1, abandonedSearches(t))

	g.HandleMessage("a", []byte(`{"type":"cancel_search"}`))
	assert.Equal(t, before+1, abandonedSearches(t), "cancelling while idle is not observed")
}

func abandonedSearches(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.SearchAbandoned.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestGateway_DisconnectNotifiesPartner(t *testing.T) {
	lim := &fakeLimiter{}
	g, sender, svc := newGateway(t, lim)
	registerUser(t, g, sender, "a", "Anna")
	registerUser(t, g, sender, "b", "Boris")
	g.HandleMessage("a", []byte(`{"type":"start_search","mood":"chat"}`))
	g.HandleMessage("b", []byte(`{"type":"start_search","mood":"chat"}`))
	require.Len(t, sender.ofType("b", protocol.TypePaired), 1)

	g.HandleDisconnect("a")

	left := sender.ofType("b", protocol.TypePartnerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "disconnected", left[0]["reason"])
	_, ok := svc.User("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, lim.reset)
}

func TestGateway_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(g *Gateway, sender *fakeSender, t *testing.T)
		frame string
		code  string
	}{
		{
			name:  "malformed json",
			frame: `{not json`,
			code:  protocol.CodeParseError,
		},
		{
			name:  "unknown type",
			frame: `{"type":"dance"}`,
			code:  protocol.CodeParseError,
		},
		{
			name:  "underage registration",
			frame: `{"type":"register","name":"Kid","age":17,"gender":"male","photo":"x"}`,
			code:  protocol.CodeInvalidMessage,
		},
		{
			name:  "search before register",
			frame: `{"type":"start_search","mood":"sad"}`,
			code:  protocol.CodeNotRegistered,
		},
		{
			name: "unknown mood",
			setup: func(g *Gateway, sender *fakeSender, t *testing.T) {
				registerUser(t, g, sender, "c1", "Anna")
			},
			frame: `{"type":"start_search","mood":"ecstatic"}`,
			code:  protocol.CodeInvalidMood,
		},
		{
			name: "search while in session",
			setup: func(g *Gateway, sender *fakeSender, t *testing.T) {
				registerUser(t, g, sender, "c1", "Anna")
				registerUser(t, g, sender, "c2", "Boris")
				g.HandleMessage("c2", []byte(`{"type":"start_search","mood":"happy"}`))
				g.HandleMessage("c1", []byte(`{"type":"start_search","mood":"happy"}`))
			},
			frame: `{"type":"start_search","mood":"happy"}`,
			code:  protocol.CodeAlreadyInSession,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, sender, _ := newGateway(t, nil)
			if tt.setup != nil {
				tt.setup(g, sender, t)
			} else {
				g.HandleConnect("c1")
			}

			g.HandleMessage("c1", []byte(tt.frame))

			errs := sender.ofType("c1", protocol.TypeError)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, errs[len(errs)-1]["code"])
		})
	}
}

func TestGateway_MessageWithoutSessionIsSilent(t *testing.T) {
	g, sender, _ := newGateway(t, nil)
	registerUser(t, g, sender, "a", "Anna")
	before := testutil.ToFloat64(metrics.MessagesRelayedTotal)

	g.HandleMessage("a", []byte(`{"type":"message","text":"anyone?"}`))

	assert.Empty(t, sender.ofType("a", protocol.TypeError))
	assert.Equal(t, before, testutil.ToFloat64(metrics.MessagesRelayedTotal))
}

func TestGateway_RateLimited(t *testing.T) {
	lim := &fakeLimiter{deny: map[string]time.Duration{ratelimit.RuleSearch.Key: 1500 * time.Millisecond}}
	g, sender, svc := newGateway(t, lim)
	registerUser(t, g, sender, "a", "Anna")

	g.HandleMessage("a", []byte(`{"type":"start_search","mood":"sad"}`))

	limited := sender.ofType("a", protocol.TypeRateLimited)
	require.Len(t, limited, 1)
	assert.EqualValues(t, 2, limited[0]["retry_after"])
	assert.False(t, svc.IsWaiting("a"))
}

func TestGateway_LimiterErrorFailsOpen(t *testing.T) {
	lim := &fakeLimiter{err: errors.New("redis down")}
	g, sender, svc := newGateway(t, lim)
	registerUser(t, g, sender, "a", "Anna")

	g.HandleMessage("a", []byte(`{"type":"start_search","mood":"sad"}`))

	assert.Empty(t, sender.ofType("a", protocol.TypeRateLimited))
	assert.True(t, svc.IsWaiting("a"))
}

func TestGateway_Ping(t *testing.T) {
	g, sender, _ := newGateway(t, nil)
	g.HandleConnect("c1")

	g.HandleMessage("c1", []byte(`{"type":"ping"}`))

	assert.Len(t, sender.ofType("c1", protocol.TypePong), 1)
}

func TestGateway_BroadcastStats(t *testing.T) {
	g, sender, _ := newGateway(t, nil)
	g.HandleConnect("a")
	g.HandleConnect("b")

	assert.Equal(t, 2, g.BroadcastStats())

	stats := sender.ofType("b", protocol.TypeStatsUpdate)
	last := stats[len(stats)-1]
	assert.EqualValues(t, 2, last["online"])
	assert.EqualValues(t, 0, last["waiting"])
	assert.EqualValues(t, 0, last["active_rooms"])
}

func TestGateway_StatsBroadcastLoop(t *testing.T) {
	g, sender, _ := newGateway(t, nil)
	g.HandleConnect("a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartStatsBroadcast(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(sender.ofType("a", protocol.TypeStatsUpdate)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGateway_DroppedFramesCounted(t *testing.T) {
	g, sender, _ := newGateway(t, nil)
	g.HandleConnect("a")
	before := testutil.ToFloat64(metrics.FramesDroppedTotal)

	sender.mu.Lock()
	sender.gone["a"] = true
	sender.mu.Unlock()
	g.HandleMessage("a", []byte(`{"type":"ping"}`))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FramesDroppedTotal))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", protocol.ErrMalformed), protocol.CodeParseError},
		{fmt.Errorf("x: %w", protocol.ErrInvalid), protocol.CodeInvalidMessage},
		{fmt.Errorf("x: %w", matching.ErrUnknownMood), protocol.CodeInvalidMood},
		{fmt.Errorf("x: %w", matching.ErrNotVerified), protocol.CodeNotRegistered},
		{fmt.Errorf("x: %w", matching.ErrUnknownUser), protocol.CodeNotRegistered},
		{fmt.Errorf("x: %w", matching.ErrAlreadyInSession), protocol.CodeAlreadyInSession},
		{errors.New("boom"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}
}
