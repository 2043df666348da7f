// Package events delivers session lifecycle records to slow consumers (NATS,
// the history archive) off the request path.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blizhe/chat-server/internal/matching"
)

// Publisher broadcasts lifecycle records to other services.
type Publisher interface {
	PublishSessionPaired(rec matching.SessionRecord) error
	PublishSessionClosed(rec matching.SessionRecord) error
}

// Archive stores closed sessions.
type Archive interface {
	Record(ctx context.Context, rec matching.SessionRecord) error
}

const defaultArchiveTimeout = 5 * time.Second

type item struct {
	rec    matching.SessionRecord
	closed bool
}

// Sink is a matching.Recorder that queues records and hands them to the
// publisher and archive from a single background goroutine. When the queue
// is full records are dropped; delivery is best effort.
type Sink struct {
	publisher Publisher
	archive   Archive
	timeout   time.Duration

	queue   chan item
	done    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
	dropped atomic.Uint64
}

// NewSink creates a Sink. Either consumer may be nil.
func NewSink(publisher Publisher, archive Archive, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1
	}
	return &Sink{
		publisher: publisher,
		archive:   archive,
		timeout:   defaultArchiveTimeout,
		queue:     make(chan item, buffer),
		done:      make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (s *Sink) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().Str("component", "events").Int("buffer", cap(s.queue)).Msg("event sink started")
}

// Stop delivers what is already queued and waits for the goroutine to exit.
// Records arriving afterwards are dropped.
func (s *Sink) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	s.wg.Wait()
	log.Info().Str("component", "events").Uint64("dropped", s.dropped.Load()).Msg("event sink stopped")
}

// SessionOpened implements matching.Recorder.
func (s *Sink) SessionOpened(rec matching.SessionRecord) {
	s.enqueue(item{rec: rec})
}

// SessionClosed implements matching.Recorder.
func (s *Sink) SessionClosed(rec matching.SessionRecord) {
	s.enqueue(item{rec: rec, closed: true})
}

// Dropped returns how many records were discarded.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) enqueue(it item) {
	if s.stopped.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- it:
	default:
		s.dropped.Add(1)
		log.Warn().Str("component", "events").Str("session", it.rec.SessionID).Msg("event queue full, dropping record")
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case it := <-s.queue:
			s.deliver(it)
		case <-s.done:
			for {
				select {
				case it := <-s.queue:
					s.deliver(it)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) deliver(it item) {
	if s.publisher != nil {
		var err error
		if it.closed {
			err = s.publisher.PublishSessionClosed(it.rec)
		} else {
			err = s.publisher.PublishSessionPaired(it.rec)
		}
		if err != nil {
			log.Warn().Str("component", "events").Str("session", it.rec.SessionID).Err(err).Msg("publish failed")
		}
	}

	if it.closed && s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.archive.Record(ctx, it.rec)
		cancel()
		if err != nil {
			log.Warn().Str("component", "history").Str("session", it.rec.SessionID).Err(err).Msg("archive failed")
		}
	}
}
