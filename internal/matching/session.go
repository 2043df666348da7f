package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// maxIDAttempts bounds id regeneration on collision before falling back to
// a bare random UUID.
const maxIDAttempts = 8

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonLeft         CloseReason = "left"
	ReasonDisconnected CloseReason = "disconnected"
	ReasonExpired      CloseReason = "expired"
)

// Session is a live pairing of exactly two users ("room").
type Session struct {
	ID        string
	Members   [2]string
	Moods     [2]Mood // each member's own requested mood
	Mood      Mood    // resolved mood context shown to both sides
	CreatedAt time.Time
}

// Partner returns the other member of the session.
func (s *Session) Partner(userID string) (string, bool) {
	switch userID {
	case s.Members[0]:
		return s.Members[1], true
	case s.Members[1]:
		return s.Members[0], true
	}
	return "", false
}

// IsParticipant reports whether userID is one of the two members.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.Members[0] || userID == s.Members[1]
}

// Registry holds the live sessions. Like Pool it relies on the Service lock.
type Registry struct {
	sessions map[string]*Session
	newID    func(at time.Time) string
}

// NewRegistry creates an empty registry using the default id generator.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		newID:    defaultSessionID,
	}
}

func defaultSessionID(at time.Time) string {
	return fmt.Sprintf("room_%d_%s", at.UnixMilli(), uuid.NewString()[:8])
}

// Create registers a new session between a and b. Id collisions with live
// sessions are resolved by regenerating.
func (r *Registry) Create(a, b Entry, mood Mood, at time.Time) *Session {
	id := r.newID(at)
	for i := 1; r.sessions[id] != nil; i++ {
		if i >= maxIDAttempts {
			id = uuid.NewString()
			continue
		}
		id = r.newID(at)
	}

	s := &Session{
		ID:        id,
		Members:   [2]string{a.UserID, b.UserID},
		Moods:     [2]Mood{a.Mood, b.Mood},
		Mood:      mood,
		CreatedAt: at,
	}
	r.sessions[id] = s
	return s
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session and reports whether it was live.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// CreatedBefore returns the ids of sessions created strictly before cutoff,
// oldest first.
func (r *Registry) CreatedBefore(cutoff time.Time) []string {
	var stale []*Session
	for _, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})

	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.ID
	}
	return ids
}
