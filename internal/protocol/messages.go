// Package protocol defines the WebSocket message types exchanged between the
// browser client and the server. All messages are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister     = "register"
	TypeStartSearch  = "start_search"
	TypeCancelSearch = "cancel_search"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeLeave        = "leave"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected          = "connected"
	TypeRegistered         = "registered"
	TypeVerificationFailed = "verification_failed"
	TypeWaitingStarted     = "waiting_started"
	TypePaired             = "paired"
	TypeMessageReceived    = "message_received"
	TypeTypingState        = "typing_state"
	TypePartnerLeft        = "partner_left"
	TypeStatsUpdate        = "stats_update"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// Limits enforced on client input.
const (
	MaxMessageBytes = 4096 // 4KB max frame payload for chat text
	MaxTextChars    = 2000
	MaxNameChars    = 50
	MinAge          = 18
	MaxAge          = 120
)

var (
	// ErrMalformed is returned for frames that are not valid JSON envelopes
	// or carry an unknown type.
	ErrMalformed = errors.New("malformed message")

	// ErrInvalid is returned for well-formed messages whose fields fail
	// validation.
	ErrInvalid = errors.New("invalid message")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is one of the client message structs below. The set is
// closed; every message is validated before it reaches the caller.
type ClientMessage interface {
	Validate() error
	clientMessage()
}

// RegisterMsg submits the profile and verification photo.
type RegisterMsg struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
	Photo  string `json:"photo"` // data URL or opaque reference, checked by the verifier
}

// StartSearchMsg asks the matchmaker for a partner with the given mood.
type StartSearchMsg struct {
	Type string `json:"type"`
	Mood string `json:"mood"`
}

// CancelSearchMsg leaves the waiting pool without disconnecting.
type CancelSearchMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a text message for the current partner.
type ChatMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// LeaveMsg ends the current session.
type LeaveMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (RegisterMsg) clientMessage()     {}
func (StartSearchMsg) clientMessage()  {}
func (CancelSearchMsg) clientMessage() {}
func (ChatMsg) clientMessage()         {}
func (TypingMsg) clientMessage()       {}
func (LeaveMsg) clientMessage()        {}
func (PingMsg) clientMessage()         {}

// Validate checks the registration fields.
func (m RegisterMsg) Validate() error {
	name := strings.TrimSpace(m.Name)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case utf8.RuneCountInString(name) > MaxNameChars:
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, MaxNameChars)
	case m.Age < MinAge:
		return fmt.Errorf("%w: must be at least %d years old", ErrInvalid, MinAge)
	case m.Age > MaxAge:
		return fmt.Errorf("%w: age out of range", ErrInvalid)
	case m.Gender != "male" && m.Gender != "female":
		return fmt.Errorf("%w: gender must be male or female", ErrInvalid)
	}
	return nil
}

// Validate checks that a mood was given. Whether it is a known mood is
// decided by the matchmaker.
func (m StartSearchMsg) Validate() error {
	if strings.TrimSpace(m.Mood) == "" {
		return fmt.Errorf("%w: mood is required", ErrInvalid)
	}
	return nil
}

// Validate checks that a chat message meets content requirements.
func (m ChatMsg) Validate() error {
	return ValidateText(m.Text)
}

func (CancelSearchMsg) Validate() error { return nil }
func (TypingMsg) Validate() error       { return nil }
func (LeaveMsg) Validate() error        { return nil }
func (PingMsg) Validate() error         { return nil }

// ValidateText checks chat text limits.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrInvalid)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalid, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalid)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalid, MaxTextChars)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client messages
// ---------------------------------------------------------------------------

// ConnectedMsg is the first frame on a new connection.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ProfileView is the public projection of a user.
type ProfileView struct {
	Name       string `json:"name"`
	Age        int    `json:"age"`
	Gender     string `json:"gender"`
	TrustScore int    `json:"trust_score"`
}

// RegisteredMsg confirms a successful registration.
type RegisteredMsg struct {
	Type       string      `json:"type"`
	Profile    ProfileView `json:"profile"`
	TrustScore int         `json:"trust_score"`
}

// VerificationFailedMsg reports a rejected verification photo.
type VerificationFailedMsg struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Flags   []string `json:"flags,omitempty"`
}

// WaitingStartedMsg confirms the client entered the waiting pool.
type WaitingStartedMsg struct {
	Type          string `json:"type"`
	Mood          string `json:"mood"`
	MoodLabel     string `json:"mood_label"`
	QueuePosition int    `json:"queue_position"`
}

// PairedMsg announces a new session and the partner's profile.
type PairedMsg struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Mood      string      `json:"mood"`
	MoodLabel string      `json:"mood_label"`
	Partner   ProfileView `json:"partner"`
}

// MessageReceivedMsg is a text message relayed from the partner.
type MessageReceivedMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// TypingStateMsg relays the partner's typing indicator.
type TypingStateMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// PartnerLeftMsg tells the client its session ended.
type PartnerLeftMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// StatsUpdateMsg carries the live counters.
type StatsUpdateMsg struct {
	Type        string `json:"type"`
	Online      int    `json:"online"`
	Waiting     int    `json:"waiting"`
	ActiveRooms int    `json:"active_rooms"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// Error codes carried by ErrorMsg.
const (
	CodeParseError        = "parse_error"
	CodeInvalidMessage    = "invalid_message"
	CodeInvalidMood       = "invalid_mood"
	CodeNotRegistered     = "not_registered"
	CodeAlreadyInSession  = "already_in_session"
	CodeRegistrationError = "registration_error"
	CodeInternal          = "internal_error"
)

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a validated client
// message. The message type string is returned whenever the envelope could be
// read, even if decoding or validation failed. Errors wrap ErrMalformed or
// ErrInvalid.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: %w: %v", ErrMalformed, err)
	}

	var msg ClientMessage
	var err error
	switch env.Type {
	case TypeRegister:
		msg, err = decode[RegisterMsg](env.Raw)
	case TypeStartSearch:
		msg, err = decode[StartSearchMsg](env.Raw)
	case TypeCancelSearch:
		msg, err = decode[CancelSearchMsg](env.Raw)
	case TypeMessage:
		msg, err = decode[ChatMsg](env.Raw)
	case TypeTyping:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeLeave:
		msg, err = decode[LeaveMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: %w: unknown client message type %q", ErrMalformed, env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: %w: failed to decode %q payload: %v", ErrMalformed, env.Type, err)
	}

	if err := msg.Validate(); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: %q: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

func decode[T ClientMessage](raw json.RawMessage) (T, error) {
	var m T
	err := json.Unmarshal(raw, &m)
	return m, err
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// written into the payload under the "type" key, overriding whatever the
// struct's Type field holds.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// encode, such as the structs in this package.
func MustServerMessage(msgType string, payload any) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}
