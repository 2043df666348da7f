// Package messaging publishes session lifecycle events over NATS for the
// collaborators that live outside the chat server (leveling, rewards,
// analytics).
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/blizhe/chat-server/internal/matching"
)

// NATS subjects for session lifecycle events.
const (
	SubjectSessionPaired = "session.paired"
	SubjectSessionClosed = "session.closed"
	SubjectSessionAll    = "session.>"
)

// SessionEvent is the JSON payload published on the session subjects.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Members   [2]string `json:"members"`
	Moods     [2]string `json:"moods"`
	Mood      string    `json:"mood"`
	Pass      string    `json:"pass,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	WaitedMs  int64     `json:"waited_ms,omitempty"`

	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// NewSessionEvent converts a lifecycle record into its wire form.
func NewSessionEvent(rec matching.SessionRecord) SessionEvent {
	ev := SessionEvent{
		SessionID: rec.SessionID,
		Members:   rec.Members,
		Moods:     [2]string{string(rec.Moods[0]), string(rec.Moods[1])},
		Mood:      string(rec.Mood),
		Pass:      string(rec.Pass),
		CreatedAt: rec.CreatedAt,
		WaitedMs:  rec.Waited.Milliseconds(),
	}
	if !rec.ClosedAt.IsZero() {
		closed := rec.ClosedAt
		ev.ClosedAt = &closed
		ev.Reason = string(rec.Reason)
		ev.DurationMs = rec.Duration().Milliseconds()
	}
	return ev
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns the default connection settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "blizhe-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("component", "nats").Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("component", "nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Str("component", "nats").Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("component", "nats").Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// PublishSessionPaired publishes a session.paired event.
func (c *NATSClient) PublishSessionPaired(rec matching.SessionRecord) error {
	return c.publishJSON(SubjectSessionPaired, NewSessionEvent(rec))
}

// PublishSessionClosed publishes a session.closed event.
func (c *NATSClient) PublishSessionClosed(rec matching.SessionRecord) error {
	return c.publishJSON(SubjectSessionClosed, NewSessionEvent(rec))
}

// SubscribeSessionEvents delivers every session lifecycle event with its
// subject.
func (c *NATSClient) SubscribeSessionEvents(handler func(subject string, ev SessionEvent)) error {
	return c.Subscribe(SubjectSessionAll, func(msg *nats.Msg) {
		var ev SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Str("component", "nats").Str("subject", msg.Subject).Err(err).Msg("bad session event")
			return
		}
		handler(msg.Subject, ev)
	})
}

func (c *NATSClient) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: encode %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Str("component", "nats").Str("subject", subject).Err(err).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Warn().Str("component", "nats").Err(err).Msg("connection drain failed")
	}
}
