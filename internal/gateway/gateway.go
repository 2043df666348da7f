// Package gateway connects the WebSocket transport to the matchmaker:
// client frames become service calls and service events become frames.
package gateway

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blizhe/chat-server/internal/matching"
	"github.com/blizhe/chat-server/internal/metrics"
	"github.com/blizhe/chat-server/internal/protocol"
	"github.com/blizhe/chat-server/internal/ratelimit"
	"github.com/blizhe/chat-server/internal/verify"
)

const defaultVerifyTimeout = 30 * time.Second

// Sender queues frames on live connections without blocking.
type Sender interface {
	Send(connID string, data []byte) bool
	Broadcast(data []byte) int
}

// Limiter is the subset of ratelimit.Limiter the gateway needs.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
	Reset(ctx context.Context, identifier string, rules ...ratelimit.Rule) error
}

// Gateway dispatches client messages to the matching service and delivers
// the service's events. Connection ids double as user ids.
type Gateway struct {
	svc      *matching.Service
	sender   Sender
	verifier verify.Verifier
	limiter  Limiter // nil disables rate limiting

	VerifyTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway and installs it as the service's notifier.
// limiter may be nil.
func New(svc *matching.Service, sender Sender, verifier verify.Verifier, limiter Limiter) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		svc:           svc,
		sender:        sender,
		verifier:      verifier,
		limiter:       limiter,
		VerifyTimeout: defaultVerifyTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
	svc.SetNotifier(g)
	return g
}

// Close cancels in-flight verifications and waits for them to finish.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// HandleConnect registers the new handle and greets the client.
func (g *Gateway) HandleConnect(connID string) {
	if err := g.svc.Connect(connID); err != nil {
		log.Error().Str("component", "gateway").Str("conn", connID).Err(err).Msg("connect failed")
		return
	}
	g.send(connID, protocol.TypeConnected, protocol.ConnectedMsg{UserID: connID})
	g.send(connID, protocol.TypeStatsUpdate, g.statsMsg())
}

// HandleDisconnect tears down everything the handle owned.
func (g *Gateway) HandleDisconnect(connID string) {
	g.svc.Disconnect(connID)
	if g.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := g.limiter.Reset(ctx, connID, ratelimit.RuleMessage, ratelimit.RuleSearch, ratelimit.RuleRegister); err != nil {
			log.Debug().Str("component", "gateway").Str("conn", connID).Err(err).Msg("rate limit reset failed")
		}
	}
}

// HandleMessage parses one client frame and dispatches it.
func (g *Gateway) HandleMessage(connID string, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Str("component", "gateway").Str("conn", connID).Str("type", msgType).Err(err).Msg("rejected client message")
		g.sendError(connID, err)
		return
	}

	switch m := msg.(type) {
	case protocol.RegisterMsg:
		if g.allow(connID, ratelimit.RuleRegister) {
			g.register(connID, m)
		}
	case protocol.StartSearchMsg:
		if g.allow(connID, ratelimit.RuleSearch) {
			g.startSearch(connID, m)
		}
	case protocol.CancelSearchMsg:
		if waited, ok := g.svc.CancelSearch(connID); ok {
			metrics.SearchAbandoned.Observe(waited.Seconds())
		}
	case protocol.ChatMsg:
		if g.allow(connID, ratelimit.RuleMessage) && g.svc.Relay(connID, m.Text) {
			metrics.MessagesRelayedTotal.Inc()
		}
	case protocol.TypingMsg:
		g.svc.SetTyping(connID, m.IsTyping)
	case protocol.LeaveMsg:
		g.svc.Leave(connID)
	case protocol.PingMsg:
		g.send(connID, protocol.TypePong, protocol.PongMsg{})
	}
}

func (g *Gateway) startSearch(connID string, m protocol.StartSearchMsg) {
	mood, err := matching.ParseMood(m.Mood)
	if err == nil {
		_, err = g.svc.StartSearch(connID, mood)
	}
	if err != nil {
		log.Debug().Str("component", "gateway").Str("conn", connID).Err(err).Msg("search rejected")
		g.sendError(connID, err)
	}
}

// register runs the verification oracle off the reader goroutine, since it
// may be slow, and marks the handle verified once it succeeds.
func (g *Gateway) register(connID string, m protocol.RegisterMsg) {
	m.Name = strings.TrimSpace(m.Name)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(g.ctx, g.VerifyTimeout)
		defer cancel()

		res, err := g.verifier.Verify(ctx, verify.Request{
			Name:   m.Name,
			Age:    m.Age,
			Gender: m.Gender,
			Photo:  m.Photo,
		})
		if err != nil {
			log.Warn().Str("component", "gateway").Str("conn", connID).Err(err).Msg("verification error")
			g.send(connID, protocol.TypeError, protocol.ErrorMsg{
				Code:    protocol.CodeRegistrationError,
				Message: "verification unavailable, try again",
			})
			return
		}
		if !res.Verified {
			g.send(connID, protocol.TypeVerificationFailed, protocol.VerificationFailedMsg{
				Message: res.Message,
				Flags:   res.Flags,
			})
			return
		}

		profile := matching.Profile{
			Name:       m.Name,
			Age:        m.Age,
			Gender:     m.Gender,
			TrustScore: res.TrustScore,
		}
		if err := g.svc.Verify(connID, profile); err != nil {
			// The connection went away while the oracle was running.
			log.Debug().Str("component", "gateway").Str("conn", connID).Err(err).Msg("verified handle is gone")
			return
		}
		g.send(connID, protocol.TypeRegistered, protocol.RegisteredMsg{
			Profile:    profileView(profile),
			TrustScore: res.TrustScore,
		})
		log.Info().Str("component", "gateway").Str("conn", connID).Int("trust_score", res.TrustScore).Msg("user registered")
	}()
}

// allow applies a rate limit rule. Without a limiter, or when Redis fails,
// everything is allowed.
func (g *Gateway) allow(connID string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(g.ctx, time.Second)
	defer cancel()

	d, err := g.limiter.Allow(ctx, connID, rule)
	if err != nil || d.Allowed {
		return true
	}
	g.send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(d.RetryAfter.Seconds())),
	})
	return false
}

// Notify implements matching.Notifier. It runs under the service lock, so
// it only encodes and queues.
func (g *Gateway) Notify(userID string, ev matching.Event) {
	var msgType string
	var payload any

	switch e := ev.(type) {
	case matching.WaitingStarted:
		msgType, payload = protocol.TypeWaitingStarted, protocol.WaitingStartedMsg{
			Mood:          string(e.Mood),
			MoodLabel:     e.Mood.Info().Label,
			QueuePosition: e.Position,
		}
	case matching.Paired:
		msgType, payload = protocol.TypePaired, protocol.PairedMsg{
			SessionID: e.SessionID,
			Mood:      string(e.Mood),
			MoodLabel: e.Mood.Info().Label,
			Partner:   profileView(e.Partner),
		}
	case matching.MessageReceived:
		msgType, payload = protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
			From:      e.From,
			Text:      e.Text,
			Timestamp: e.At.UnixMilli(),
		}
	case matching.TypingState:
		msgType, payload = protocol.TypeTypingState, protocol.TypingStateMsg{IsTyping: e.IsTyping}
	case matching.PartnerLeft:
		msgType, payload = protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Reason: string(e.Reason)}
	default:
		return
	}

	if !g.sender.Send(userID, protocol.MustServerMessage(msgType, payload)) {
		metrics.FramesDroppedTotal.Inc()
	}
}

// BroadcastStats sends the current counters to every connection.
func (g *Gateway) BroadcastStats() int {
	return g.sender.Broadcast(protocol.MustServerMessage(protocol.TypeStatsUpdate, g.statsMsg()))
}

// StartStatsBroadcast calls BroadcastStats every interval until ctx is
// cancelled. A non-positive interval disables it.
func (g *Gateway) StartStatsBroadcast(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.BroadcastStats()
			}
		}
	}()
}

func (g *Gateway) statsMsg() protocol.StatsUpdateMsg {
	st := g.svc.Stats()
	return protocol.StatsUpdateMsg{
		Online:      st.Online,
		Waiting:     st.Waiting,
		ActiveRooms: st.ActiveSessions,
	}
}

func (g *Gateway) send(connID, msgType string, payload any) {
	if !g.sender.Send(connID, protocol.MustServerMessage(msgType, payload)) {
		metrics.FramesDroppedTotal.Inc()
	}
}

func (g *Gateway) sendError(connID string, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == protocol.CodeInternal {
		msg = "internal error"
	}
	g.send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: msg})
}

// errorCode maps service and protocol errors to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeParseError
	case errors.Is(err, protocol.ErrInvalid):
		return protocol.CodeInvalidMessage
	case errors.Is(err, matching.ErrUnknownMood):
		return protocol.CodeInvalidMood
	case errors.Is(err, matching.ErrNotVerified), errors.Is(err, matching.ErrUnknownUser):
		return protocol.CodeNotRegistered
	case errors.Is(err, matching.ErrAlreadyInSession):
		return protocol.CodeAlreadyInSession
	default:
		return protocol.CodeInternal
	}
}

func profileView(p matching.Profile) protocol.ProfileView {
	return protocol.ProfileView{
		Name:       p.Name,
		Age:        p.Age,
		Gender:     p.Gender,
		TrustScore: p.TrustScore,
	}
}
