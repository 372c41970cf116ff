package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	pending   []Event
	published []Event
}

func (s *memStore) Drain(ctx context.Context, limit int, publish func(context.Context, Event) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for len(s.pending) > 0 && n < limit {
		e := s.pending[0]
		if err := publish(ctx, e); err != nil {
			return n, err
		}
		s.pending = s.pending[1:]
		s.published = append(s.published, e)
		n++
	}
	return n, nil
}

type recordingPublisher struct {
	got    []string
	failAt int // 1-based call number that fails; 0 never fails
	calls  int
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.calls++
	if p.calls == p.failAt {
		return errors.New("broker down")
	}
	p.got = append(p.got, e.ID)
	return nil
}

func newEvents(t *testing.T, n int) []Event {
	t.Helper()
	events := make([]Event, n)
	for i := range events {
		e, err := New("booking.confirmed", "b-1", map[string]int{"n": i})
		require.NoError(t, err)
		events[i] = e
	}
	return events
}

func TestNewMarshalsPayload(t *testing.T) {
	e, err := New("booking.cancelled", "b-1", map[string]string{"bookingId": "b-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "booking.cancelled", e.Topic)
	assert.Equal(t, "b-1", e.AggregateID)
	assert.Nil(t, e.PublishedAt)

	var body map[string]string
	require.NoError(t, json.Unmarshal(e.Payload, &body))
	assert.Equal(t, "b-1", body["bookingId"])

	_, err = New("x", "b-1", make(chan int))
	assert.Error(t, err, "unmarshalable payload")
}

func TestRelayFlushDrainsAllBatches(t *testing.T) {
	events := newEvents(t, 7)
	store := &memStore{pending: events}
	pub := &recordingPublisher{}

	n, err := NewRelay(store, pub, 0, 3).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Empty(t, store.pending)

	var want []string
	for _, e := range events {
		want = append(want, e.ID)
	}
	assert.Equal(t, want, pub.got, "events are published oldest first")
}

func TestRelayFlushKeepsFailedEvents(t *testing.T) {
	events := newEvents(t, 4)
	store := &memStore{pending: events}
	pub := &recordingPublisher{failAt: 3}
	relay := NewRelay(store, pub, 0, 10)

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, store.pending, 2, "unpublished events stay for the next flush")

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{events[0].ID, events[1].ID, events[2].ID, events[3].ID}, pub.got)
}
