// Package matching pairs anonymous users into one-on-one sessions by mood.
//
// All shared state (the waiting pool, the session registry and the user
// handles) lives in a Service and is guarded by a single mutex, so pairing,
// teardown and requeue are each one critical section. Events for users are
// handed to a Notifier while the lock is held; lifecycle records go to a
// Recorder after it is released.
package matching

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Strategy selects how the matchmaker scans the waiting pool.
type Strategy string

const (
	// StrategyExact only pairs users that asked for the same mood.
	StrategyExact Strategy = "exact"
	// StrategyCompatible takes the oldest waiting user whose mood is in the
	// searcher's compatible set, the searcher's own mood included.
	StrategyCompatible Strategy = "compatible"
	// StrategyPreferredFirst first looks for the oldest user in the
	// searcher's preferred moods and only then for the same mood.
	StrategyPreferredFirst Strategy = "preferred_first"
)

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyExact, StrategyCompatible, StrategyPreferredFirst:
		return st, nil
	}
	return "", fmt.Errorf("matching: unknown strategy %q", s)
}

// Profile is the public projection of a verified user shown to partners.
type Profile struct {
	Name       string
	Age        int
	Gender     string
	TrustScore int
}

// User is the per-connection handle.
type User struct {
	ID          string
	Profile     Profile
	Verified    bool
	Mood        Mood   // last requested mood, empty until the first search
	SessionID   string // empty when not in a session
	ConnectedAt time.Time
}

// Outcome is the result of a search request.
type Outcome struct {
	Paired    bool
	SessionID string // set when paired
	Mood      Mood   // resolved session mood when paired, requested mood otherwise
	Position  int    // position in the mood bucket when waiting
}

// Stats are the aggregate counters at the instant of the call.
type Stats struct {
	Online         int `json:"online"`
	Waiting        int `json:"waiting"`
	ActiveSessions int `json:"active_sessions"`
}

// Service is the matchmaker and session lifecycle controller.
type Service struct {
	mu       sync.Mutex
	users    map[string]*User
	pool     *Pool
	sessions *Registry
	table    CompatibilityTable
	strategy Strategy
	notifier Notifier
	recorder Recorder
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStrategy sets the matching strategy.
func WithStrategy(st Strategy) Option {
	return func(s *Service) { s.strategy = st }
}

// WithCompatibility replaces the default compatibility table.
func WithCompatibility(t CompatibilityTable) Option {
	return func(s *Service) { s.table = t }
}

// WithNotifier sets where user events are delivered.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRecorder sets the lifecycle observer.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service with an empty pool and registry. It rejects
// an unknown strategy and a compatibility table naming unknown moods.
func NewService(opts ...Option) (*Service, error) {
	s := &Service{
		users:    make(map[string]*User),
		pool:     NewPool(),
		sessions: NewRegistry(),
		table:    DefaultCompatibility(),
		strategy: StrategyPreferredFirst,
		notifier: NotifierFunc(func(string, Event) {}),
		recorder: Recorders(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := ParseStrategy(string(s.strategy)); err != nil {
		return nil, err
	}
	if err := s.table.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetNotifier replaces the notifier. It exists for wiring where the
// notifier itself needs the Service.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Strategy returns the configured strategy.
func (s *Service) Strategy() Strategy {
	return s.strategy
}

// Compatibility returns the compatibility table in use.
func (s *Service) Compatibility() CompatibilityTable {
	return s.table
}

// lifecycleRecord is one opened or closed session, kept in the order the
// critical section produced it.
type lifecycleRecord struct {
	rec    SessionRecord
	closed bool
}

// batch collects lifecycle records produced inside one critical section.
type batch struct {
	records []lifecycleRecord
}

func (b *batch) opened(rec SessionRecord) {
	b.records = append(b.records, lifecycleRecord{rec: rec})
}

func (b *batch) closed(rec SessionRecord) {
	b.records = append(b.records, lifecycleRecord{rec: rec, closed: true})
}

// do runs fn under the lock and publishes the collected records after
// releasing it. A teardown always reaches the recorder before the
// session that replaced it.
func (s *Service) do(fn func(b *batch) error) error {
	var b batch
	s.mu.Lock()
	err := fn(&b)
	s.mu.Unlock()

	for _, r := range b.records {
		rec := r.rec
		if r.closed {
			log.Info().Str("component", "matcher").
				Str("session", rec.SessionID).
				Str("reason", string(rec.Reason)).
				Dur("duration", rec.Duration()).
				Msg("session closed")
			s.recorder.SessionClosed(rec)
			continue
		}
		log.Info().Str("component", "matcher").
			Str("session", rec.SessionID).
			Strs("members", rec.Members[:]).
			Str("mood", string(rec.Mood)).
			Str("pass", string(rec.Pass)).
			Dur("waited", rec.Waited).
			Msg("session opened")
		s.recorder.SessionOpened(rec)
	}
	return err
}

// Connect registers a new, unverified handle.
func (s *Service) Connect(userID string) error {
	return s.do(func(*batch) error {
		if _, ok := s.users[userID]; ok {
			return fmt.Errorf("matching: connect %s: %w", userID, ErrDuplicateUser)
		}
		s.users[userID] = &User{ID: userID, ConnectedAt: s.now()}
		return nil
	})
}

// Verify marks the handle as verified and stores its public profile.
// Verification itself happens outside the core before this is called.
func (s *Service) Verify(userID string, p Profile) error {
	return s.do(func(*batch) error {
		u, ok := s.users[userID]
		if !ok {
			return fmt.Errorf("matching: verify %s: %w", userID, ErrUnknownUser)
		}
		u.Profile = p
		u.Verified = true
		return nil
	})
}

// StartSearch pairs the user with a compatible waiting user or queues it.
// A user already waiting is re-queued with the new mood.
func (s *Service) StartSearch(userID string, mood Mood) (Outcome, error) {
	if !mood.Valid() {
		return Outcome{}, fmt.Errorf("matching: search %s: %w: %q", userID, ErrUnknownMood, mood)
	}

	var out Outcome
	err := s.do(func(b *batch) error {
		u, ok := s.users[userID]
		switch {
		case !ok:
			return fmt.Errorf("matching: search %s: %w", userID, ErrUnknownUser)
		case !u.Verified:
			return fmt.Errorf("matching: search %s: %w", userID, ErrNotVerified)
		case u.SessionID != "":
			return fmt.Errorf("matching: search %s: %w", userID, ErrAlreadyInSession)
		}
		u.Mood = mood
		out = s.findOrQueueLocked(u, b)
		return nil
	})
	return out, err
}

// CancelSearch removes the user from the waiting pool. It reports how long
// the user had been waiting and whether they were waiting at all.
func (s *Service) CancelSearch(userID string) (time.Duration, bool) {
	var (
		waited  time.Duration
		removed bool
	)
	_ = s.do(func(*batch) error {
		e, ok := s.pool.Entry(userID)
		if !ok {
			return nil
		}
		s.pool.Dequeue(userID)
		waited, removed = s.now().Sub(e.QueuedAt), true
		return nil
	})
	return waited, removed
}

// Relay forwards a chat message to the sender's partner. Messages from users
// without a live session are dropped; it reports whether one was forwarded.
func (s *Service) Relay(userID, text string) bool {
	var sent bool
	_ = s.do(func(*batch) error {
		u, _, partner := s.liveSessionLocked(userID)
		if u == nil {
			return nil
		}
		s.notifier.Notify(partner, MessageReceived{From: u.Profile.Name, Text: text, At: s.now()})
		sent = true
		return nil
	})
	return sent
}

// SetTyping forwards the sender's typing indicator to its partner.
func (s *Service) SetTyping(userID string, typing bool) bool {
	var sent bool
	_ = s.do(func(*batch) error {
		u, _, partner := s.liveSessionLocked(userID)
		if u == nil {
			return nil
		}
		s.notifier.Notify(partner, TypingState{IsTyping: typing})
		sent = true
		return nil
	})
	return sent
}

// Leave ends the user's session, if any, and takes it out of the waiting
// pool. The partner is notified and sent back to search. It reports whether
// a session was closed.
func (s *Service) Leave(userID string) bool {
	var closed bool
	_ = s.do(func(b *batch) error {
		s.pool.Dequeue(userID)
		_, sess, _ := s.liveSessionLocked(userID)
		if sess == nil {
			return nil
		}
		s.closeLocked(sess, userID, ReasonLeft, b)
		closed = true
		return nil
	})
	return closed
}

// Disconnect tears down everything held by the handle and forgets it.
// Safe to call for unknown or already disconnected users.
func (s *Service) Disconnect(userID string) {
	_ = s.do(func(b *batch) error {
		s.pool.Dequeue(userID)
		u, ok := s.users[userID]
		if !ok {
			return nil
		}
		// Forget the handle first so the partner's requeue cannot see it.
		delete(s.users, userID)
		if sess, ok := s.sessions.Get(u.SessionID); ok && sess.IsParticipant(userID) {
			s.closeLocked(sess, userID, ReasonDisconnected, b)
		}
		return nil
	})
}

// ReapExpired force-closes every session older than maxAge and returns how
// many were closed. Members are notified but not re-queued.
func (s *Service) ReapExpired(maxAge time.Duration) int {
	var n int
	_ = s.do(func(b *batch) error {
		cutoff := s.now().Add(-maxAge)
		for _, id := range s.sessions.CreatedBefore(cutoff) {
			sess, ok := s.sessions.Get(id)
			if !ok {
				continue
			}
			s.closeLocked(sess, "", ReasonExpired, b)
			n++
		}
		return nil
	})
	return n
}

// Stats returns the aggregate counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Online:         len(s.users),
		Waiting:        s.pool.Len(),
		ActiveSessions: s.sessions.Len(),
	}
}

// User returns a snapshot of the handle.
func (s *Service) User(userID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Session returns a snapshot of a live session.
func (s *Service) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions.Get(id)
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// IsWaiting reports whether the user is in the waiting pool.
func (s *Service) IsWaiting(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Contains(userID)
}

// liveSessionLocked resolves the user's live session and partner. All
// results are zero when the user is not a member of a live session.
func (s *Service) liveSessionLocked(userID string) (*User, *Session, string) {
	u, ok := s.users[userID]
	if !ok || u.SessionID == "" {
		return nil, nil, ""
	}
	sess, ok := s.sessions.Get(u.SessionID)
	if !ok {
		return nil, nil, ""
	}
	partner, ok := sess.Partner(userID)
	if !ok {
		return nil, nil, ""
	}
	return u, sess, partner
}

// findOrQueueLocked runs the matchmaker for u, whose Mood must be set.
func (s *Service) findOrQueueLocked(u *User, b *batch) Outcome {
	now := s.now()
	s.pool.Dequeue(u.ID)

	cand, pass, ok := s.selectLocked(u.ID, u.Mood)
	if !ok {
		pos, err := s.pool.Enqueue(u.ID, u.Mood, now)
		if err != nil {
			// Unreachable after the Dequeue above; report the bucket size.
			pos = s.pool.BucketLen(u.Mood)
		}
		s.notifier.Notify(u.ID, WaitingStarted{Mood: u.Mood, Position: pos})
		return Outcome{Mood: u.Mood, Position: pos}
	}

	s.pool.Dequeue(cand.UserID)
	partner := s.users[cand.UserID]

	self := Entry{UserID: u.ID, Mood: u.Mood, QueuedAt: now}
	sess := s.sessions.Create(cand, self, cand.Mood, now)
	partner.SessionID = sess.ID
	u.SessionID = sess.ID

	s.notifier.Notify(partner.ID, Paired{SessionID: sess.ID, Mood: sess.Mood, Partner: u.Profile})
	s.notifier.Notify(u.ID, Paired{SessionID: sess.ID, Mood: sess.Mood, Partner: partner.Profile})

	b.opened(SessionRecord{
		SessionID: sess.ID,
		Members:   sess.Members,
		Moods:     sess.Moods,
		Mood:      sess.Mood,
		Pass:      pass,
		CreatedAt: sess.CreatedAt,
		Waited:    now.Sub(cand.QueuedAt),
	})
	return Outcome{Paired: true, SessionID: sess.ID, Mood: sess.Mood}
}

// selectLocked picks a partner for userID according to the strategy.
func (s *Service) selectLocked(userID string, mood Mood) (Entry, Pass, bool) {
	switch s.strategy {
	case StrategyExact:
		e, ok := s.firstLocked(userID, mood)
		return e, PassExact, ok
	case StrategyCompatible:
		e, ok := s.firstLocked(userID, s.table.Compatible(mood)...)
		return e, PassCompatible, ok
	default:
		if pref := s.table.Preferred(mood); len(pref) > 0 {
			if e, ok := s.firstLocked(userID, pref...); ok {
				return e, PassPreferred, true
			}
		}
		e, ok := s.firstLocked(userID, mood)
		return e, PassExact, ok
	}
}

// firstLocked returns the oldest eligible entry across the given moods.
// Entries whose user is gone or already in a session are dropped.
func (s *Service) firstLocked(userID string, moods ...Mood) (Entry, bool) {
	var (
		found Entry
		ok    bool
		stale []string
	)
	for e := range s.pool.Scan(moods...) {
		if e.UserID == userID {
			continue
		}
		if u, live := s.users[e.UserID]; !live || u.SessionID != "" {
			stale = append(stale, e.UserID)
			continue
		}
		found, ok = e, true
		break
	}
	for _, id := range stale {
		s.pool.Dequeue(id)
	}
	return found, ok
}

// closeLocked tears the session down as one step: it leaves the registry,
// both members lose their session id, and the surviving member is notified
// and re-queued. Expired sessions notify both members and re-queue nobody.
func (s *Service) closeLocked(sess *Session, initiator string, reason CloseReason, b *batch) {
	if !s.sessions.Remove(sess.ID) {
		return
	}
	for _, id := range sess.Members {
		if u, ok := s.users[id]; ok && u.SessionID == sess.ID {
			u.SessionID = ""
		}
	}

	b.closed(SessionRecord{
		SessionID: sess.ID,
		Members:   sess.Members,
		Moods:     sess.Moods,
		Mood:      sess.Mood,
		CreatedAt: sess.CreatedAt,
		ClosedAt:  s.now(),
		Reason:    reason,
	})

	if reason == ReasonExpired {
		for _, id := range sess.Members {
			if _, ok := s.users[id]; ok {
				s.notifier.Notify(id, PartnerLeft{Reason: reason})
			}
		}
		return
	}

	other, ok := sess.Partner(initiator)
	if !ok {
		return
	}
	ou, ok := s.users[other]
	if !ok {
		return
	}
	s.notifier.Notify(other, PartnerLeft{Reason: reason})
	if ou.Verified && ou.Mood.Valid() {
		s.findOrQueueLocked(ou, b)
	}
}
