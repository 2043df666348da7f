package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blizhe/chat-server/internal/matching"
)

type fakePublisher struct {
	mu     sync.Mutex
	paired []string
	closed []string
	err    error
}

func (p *fakePublisher) PublishSessionPaired(rec matching.SessionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paired = append(p.paired, rec.SessionID)
	return p.err
}

func (p *fakePublisher) PublishSessionClosed(rec matching.SessionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, rec.SessionID)
	return p.err
}

type fakeArchive struct {
	mu   sync.Mutex
	rows []string
}

func (a *fakeArchive) Record(_ context.Context, rec matching.SessionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, rec.SessionID)
	return nil
}

func TestSink_DeliversInOrder(t *testing.T) {
	pub := &fakePublisher{}
	arch := &fakeArchive{}
	s := NewSink(pub, arch, 16)
	s.Start()

	s.SessionOpened(matching.SessionRecord{SessionID: "room_1"})
	s.SessionOpened(matching.SessionRecord{SessionID: "room_2"})
	s.SessionClosed(matching.SessionRecord{SessionID: "room_1"})
	s.Stop()

	assert.Equal(t, []string{"room_1", "room_2"}, pub.paired)
	assert.Equal(t, []string{"room_1"}, pub.closed)
	assert.Equal(t, []string{"room_1"}, arch.rows, "only closed sessions are archived")
	assert.Zero(t, s.Dropped())
}

func TestSink_DropsWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSink(pub, nil, 1) // not started: nothing drains the queue

	s.SessionOpened(matching.SessionRecord{SessionID: "room_1"})
	s.SessionOpened(matching.SessionRecord{SessionID: "room_2"})
	assert.Equal(t, uint64(1), s.Dropped())

	s.Start()
	s.Stop()
	assert.Equal(t, []string{"room_1"}, pub.paired)

	s.SessionClosed(matching.SessionRecord{SessionID: "room_1"})
	assert.Equal(t, uint64(2), s.Dropped(), "records after stop are dropped")
	s.Stop()
}

func TestSink_PublisherErrorsDoNotStopArchive(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	arch := &fakeArchive{}
	s := NewSink(pub, arch, 4)
	s.Start()

	s.SessionClosed(matching.SessionRecord{SessionID: "room_9"})
	s.Stop()

	assert.Equal(t, []string{"room_9"}, arch.rows)
}

func TestSink_NilConsumers(t *testing.T) {
	s := NewSink(nil, nil, 4)
	s.Start()
	s.SessionOpened(matching.SessionRecord{SessionID: "room_1"})
	s.SessionClosed(matching.SessionRecord{SessionID: "room_1"})
	s.Stop()
	assert.Zero(t, s.Dropped())
}

var _ matching.Recorder = (*Sink)(nil)
