package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
)

type fakeBatchPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (p *fakeBatchPublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func (p *fakeBatchPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func TestCollector_FlushesOnSize(t *testing.T) {
	pub := &fakeBatchPublisher{}
	c := NewCollector(pub, 2, time.Hour)
	c.Track(RetrievalEvent{Type: EventRetrieval, Query: "a"})
	assert.Equal(t, 1, c.BufferLen())
	c.Track(RetrievalEvent{Type: EventCacheHit, Query: "b"})

	assert.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.BufferLen())
}

func TestCollector_FinalFlushOnCancel(t *testing.T) {
	pub := &fakeBatchPublisher{}
	c := NewCollector(pub, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.Track(RetrievalEvent{Type: EventZeroResult, Query: "nothing"})
	cancel()
	c.Close()

	require.Equal(t, 1, pub.count())
	ev := pub.batches[0][0]
	assert.Equal(t, string(EventZeroResult), ev.Key)
	assert.False(t, ev.Value.(RetrievalEvent).Timestamp.IsZero())
}

func TestCollector_RequeuesAndCapsOnFailure(t *testing.T) {
	pub := &fakeBatchPublisher{err: errors.New("broker down")}
	c := NewCollector(pub, 2, time.Hour)
	for range 2 {
		c.mu.Lock()
		for range 4 {
			c.buffer = append(c.buffer, kafka.Event{Key: "retrieval"})
		}
		c.mu.Unlock()
		c.Flush(context.Background())
	}
	assert.Equal(t, 6, c.BufferLen())

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	c.Flush(context.Background())
	assert.Equal(t, 6, pub.count())
	assert.Zero(t, c.BufferLen())
}
