// Package client is a WebSocket load test client for the chat server. It
// dials with gobwas/ws (the same library the server uses), completes the
// connected -> register handshake on its own and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/blizhe/chat-server/internal/protocol"
)

// placeholderPhoto is accepted by the stub verifier, which only checks that
// a photo is present.
const placeholderPhoto = "data:image/png;base64,iVBORw0KGgo="

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the handshake completed
	RegisterLatency  time.Duration // register sent until registered received
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Profile is what the client registers with.
type Profile struct {
	Name   string
	Age    int
	Gender string
}

// Client is a single simulated user. Handlers registered with On run on the
// read goroutine and must not block.
type Client struct {
	conn    net.Conn
	profile Profile

	writeMu  sync.Mutex
	mu       sync.RWMutex
	handlers map[string]func(json.RawMessage)
	userID   string

	connectLatency  time.Duration
	registerSent    time.Time
	registerLatency atomic.Int64
	received        atomic.Int64
	sent            atomic.Int64
	errors          atomic.Int64

	registered chan struct{}
	regOnce    sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

// New dials url and starts the read loop. When the server greets the client
// with connected, it registers with profile.
func New(ctx context.Context, url string, profile Profile) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		profile:        profile,
		handlers:       make(map[string]func(json.RawMessage)),
		connectLatency: time.Since(start),
		registered:     make(chan struct{}),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sent.Add(1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// StartSearch asks for a partner with the given mood.
func (c *Client) StartSearch(mood string) error {
	return c.Send(protocol.StartSearchMsg{Type: protocol.TypeStartSearch, Mood: mood})
}

// Chat sends a text message to the current partner.
func (c *Client) Chat(text string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, Text: text})
}

// Leave ends the current session.
func (c *Client) Leave() error {
	return c.Send(protocol.LeaveMsg{Type: protocol.TypeLeave})
}

// On registers the handler for a server message type, replacing any
// previous one.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitRegistered blocks until the server confirmed registration.
func (c *Client) WaitRegistered(ctx context.Context) error {
	select {
	case <-c.registered:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before registration completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the id assigned by the server, empty until connected.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	return c.errors.Load() == 0
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		RegisterLatency:  time.Duration(c.registerLatency.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// closed on purpose
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type   string `json:"type"`
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeConnected:
			c.mu.Lock()
			c.userID = env.UserID
			c.mu.Unlock()
			c.registerSent = time.Now()
			if err := c.Send(protocol.RegisterMsg{
				Type:   protocol.TypeRegister,
				Name:   c.profile.Name,
				Age:    c.profile.Age,
				Gender: c.profile.Gender,
				Photo:  placeholderPhoto,
			}); err != nil {
				c.errors.Add(1)
			}
		case protocol.TypeRegistered:
			c.registerLatency.Store(int64(time.Since(c.registerSent)))
			c.regOnce.Do(func() { close(c.registered) })
		}

		c.mu.RLock()
		handler := c.handlers[env.Type]
		c.mu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
