package matching

import (
	"container/list"
	"fmt"
	"iter"
	"time"
)

// Entry is a user waiting for a partner.
type Entry struct {
	UserID   string
	Mood     Mood
	QueuedAt time.Time

	seq uint64 // global insertion order
}

// Pool is the waiting pool: one FIFO bucket per mood plus an index by user.
// It does no locking of its own; the Service serialises every access.
type Pool struct {
	seq     uint64
	byUser  map[string]*list.Element
	buckets map[Mood]*list.List
}

// NewPool creates an empty waiting pool.
func NewPool() *Pool {
	return &Pool{
		byUser:  make(map[string]*list.Element),
		buckets: make(map[Mood]*list.List),
	}
}

// Enqueue appends the user to the bucket for mood and returns its 1-based
// position within that bucket. A user can be queued at most once.
func (p *Pool) Enqueue(userID string, mood Mood, at time.Time) (int, error) {
	if _, ok := p.byUser[userID]; ok {
		return 0, fmt.Errorf("matching: enqueue %s: %w", userID, ErrAlreadyQueued)
	}

	b, ok := p.buckets[mood]
	if !ok {
		b = list.New()
		p.buckets[mood] = b
	}

	p.seq++
	p.byUser[userID] = b.PushBack(&Entry{
		UserID:   userID,
		Mood:     mood,
		QueuedAt: at,
		seq:      p.seq,
	})
	return b.Len(), nil
}

// Dequeue removes the user if present and reports whether it was queued.
func (p *Pool) Dequeue(userID string) bool {
	el, ok := p.byUser[userID]
	if !ok {
		return false
	}
	delete(p.byUser, userID)

	e := el.Value.(*Entry)
	b := p.buckets[e.Mood]
	b.Remove(el)
	if b.Len() == 0 {
		delete(p.buckets, e.Mood)
	}
	return true
}

// Contains reports whether the user is waiting.
func (p *Pool) Contains(userID string) bool {
	_, ok := p.byUser[userID]
	return ok
}

// Entry returns a copy of the user's waiting entry.
func (p *Pool) Entry(userID string) (Entry, bool) {
	el, ok := p.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Len returns the number of waiting users.
func (p *Pool) Len() int {
	return len(p.byUser)
}

// BucketLen returns the number of users waiting with mood.
func (p *Pool) BucketLen(mood Mood) int {
	if b, ok := p.buckets[mood]; ok {
		return b.Len()
	}
	return 0
}

// Scan yields the entries of the given mood buckets (every bucket when none
// is given) in global insertion order. Each range over the returned
// sequence starts from the head again. The pool must not be modified while
// a range is in progress.
func (p *Pool) Scan(moods ...Mood) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		var cursors []*list.Element
		if len(moods) == 0 {
			for _, b := range p.buckets {
				cursors = append(cursors, b.Front())
			}
		} else {
			seen := make(map[Mood]bool, len(moods))
			for _, m := range moods {
				if seen[m] {
					continue
				}
				seen[m] = true
				if b, ok := p.buckets[m]; ok {
					cursors = append(cursors, b.Front())
				}
			}
		}

		for {
			// Merge: pick the cursor holding the oldest entry.
			oldest := -1
			for i, c := range cursors {
				if c == nil {
					continue
				}
				if oldest < 0 || c.Value.(*Entry).seq < cursors[oldest].Value.(*Entry).seq {
					oldest = i
				}
			}
			if oldest < 0 {
				return
			}

			el := cursors[oldest]
			cursors[oldest] = el.Next()
			if !yield(*el.Value.(*Entry)) {
				return
			}
		}
	}
}
