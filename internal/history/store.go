package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/blizhe/chat-server/internal/matching"
)

// Row is one archived session.
type Row struct {
	SessionID   string    `db:"session_id"`
	MemberA     string    `db:"member_a"`
	MemberB     string    `db:"member_b"`
	MoodA       string    `db:"mood_a"`
	MoodB       string    `db:"mood_b"`
	Mood        string    `db:"mood"`
	CreatedAt   time.Time `db:"created_at"`
	ClosedAt    time.Time `db:"closed_at"`
	CloseReason string    `db:"close_reason"`
	DurationMs  int64     `db:"duration_ms"`
}

// NewRow converts a closed-session record into a Row.
func NewRow(rec matching.SessionRecord) Row {
	return Row{
		SessionID:   rec.SessionID,
		MemberA:     rec.Members[0],
		MemberB:     rec.Members[1],
		MoodA:       string(rec.Moods[0]),
		MoodB:       string(rec.Moods[1]),
		Mood:        string(rec.Mood),
		CreatedAt:   rec.CreatedAt,
		ClosedAt:    rec.ClosedAt,
		CloseReason: string(rec.Reason),
		DurationMs:  rec.Duration().Milliseconds(),
	}
}

// Store writes and reads the session_history table.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Record archives a closed session. Records of sessions that are still open
// are ignored. Re-recording the same session is a no-op.
func (s *Store) Record(ctx context.Context, rec matching.SessionRecord) error {
	if rec.ClosedAt.IsZero() {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO session_history
			(session_id, member_a, member_b, mood_a, mood_b, mood, created_at, closed_at, close_reason, duration_ms)
		VALUES
			(:session_id, :member_a, :member_b, :mood_a, :mood_b, :mood, :created_at, :closed_at, :close_reason, :duration_ms)
		ON CONFLICT (session_id) DO NOTHING
	`, NewRow(rec))
	if err != nil {
		return fmt.Errorf("history: record %s: %w", rec.SessionID, err)
	}
	return nil
}

// Recent returns the most recently closed sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	var rows []Row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM session_history
		ORDER BY closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return rows, nil
}

// CountByMood returns how many archived sessions ran under each mood.
func (s *Store) CountByMood(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Mood  string `db:"mood"`
		Count int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT mood, COUNT(*) AS count FROM session_history GROUP BY mood
	`)
	if err != nil {
		return nil, fmt.Errorf("history: count by mood: %w", err)
	}

	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Mood] = r.Count
	}
	return out, nil
}
