package matching

import "time"

// Event is a boundary output addressed to one user. The set is closed.
type Event interface {
	event()
}

// WaitingStarted tells a user it is in the waiting pool.
type WaitingStarted struct {
	Mood     Mood
	Position int
}

// Paired tells a user a session was created for it.
type Paired struct {
	SessionID string
	Mood      Mood
	Partner   Profile
}

// MessageReceived carries a chat message from the partner.
type MessageReceived struct {
	From string // partner's display name
	Text string
	At   time.Time
}

// TypingState relays the partner's typing indicator.
type TypingState struct {
	IsTyping bool
}

// PartnerLeft tells a user its session ended.
type PartnerLeft struct {
	Reason CloseReason
}

func (WaitingStarted) event()  {}
func (Paired) event()          {}
func (MessageReceived) event() {}
func (TypingState) event()     {}
func (PartnerLeft) event()     {}

// Notifier delivers events to connected users. Notify is called with the
// service lock held, so per-user ordering is preserved; it must not block.
type Notifier interface {
	Notify(userID string, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(userID string, ev Event)

func (f NotifierFunc) Notify(userID string, ev Event) { f(userID, ev) }

// Pass names the scan that produced a pairing.
type Pass string

const (
	PassPreferred  Pass = "preferred"
	PassExact      Pass = "exact"
	PassCompatible Pass = "compatible"
)

// SessionRecord describes a session for lifecycle consumers.
type SessionRecord struct {
	SessionID string
	Members   [2]string
	Moods     [2]Mood
	Mood      Mood
	Pass      Pass
	CreatedAt time.Time
	Waited    time.Duration // how long the waiting partner sat in the pool

	ClosedAt time.Time   // zero while open
	Reason   CloseReason // empty while open
}

// Duration returns how long the session lived. Zero while open.
func (r SessionRecord) Duration() time.Duration {
	if r.ClosedAt.IsZero() {
		return 0
	}
	return r.ClosedAt.Sub(r.CreatedAt)
}

// Recorder observes session lifecycle. Calls happen after the service lock
// is released and must return quickly.
type Recorder interface {
	SessionOpened(rec SessionRecord)
	SessionClosed(rec SessionRecord)
}

type multiRecorder []Recorder

func (m multiRecorder) SessionOpened(rec SessionRecord) {
	for _, r := range m {
		r.SessionOpened(rec)
	}
}

func (m multiRecorder) SessionClosed(rec SessionRecord) {
	for _, r := range m {
		r.SessionClosed(rec)
	}
}

// Recorders combines several recorders into one, skipping nils.
func Recorders(rs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
