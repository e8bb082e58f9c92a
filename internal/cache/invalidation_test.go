package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func TestPublishInvalidation(t *testing.T) {
	pub := &recordingPublisher{}
	PublishInvalidation(context.Background(), pub, InvalidationEvent{Namespace: NamespaceSearch, DocumentID: "doc-1", Reason: "deleted"})
	require.Len(t, pub.events, 1)
	assert.Equal(t, NamespaceSearch, pub.events[0].Key)
	ev := pub.events[0].Value.(InvalidationEvent)
	assert.False(t, ev.At.IsZero())

	// failures and nil publishers are tolerated
	PublishInvalidation(context.Background(), &recordingPublisher{err: errors.New("broker down")}, InvalidationEvent{Namespace: NamespaceSearch})
	PublishInvalidation(context.Background(), nil, InvalidationEvent{Namespace: NamespaceSearch})
}

func TestHandleInvalidation(t *testing.T) {
	c := New(NewMemory(), time.Second, nil)
	ctx := context.Background()
	c.Set(ctx, Key(NamespaceSearch, "q1"), []byte("1"), 0)
	c.Set(ctx, Key(NamespaceEmbedding, "t1"), []byte("2"), 0)

	handle := HandleInvalidation(c)
	payload, err := json.Marshal(InvalidationEvent{Namespace: NamespaceSearch, Reason: "ingested"})
	require.NoError(t, err)
	require.NoError(t, handle(ctx, []byte("search"), payload))

	_, ok := c.Get(ctx, Key(NamespaceSearch, "q1"))
	assert.False(t, ok)
	_, ok = c.Get(ctx, Key(NamespaceEmbedding, "t1"))
	assert.True(t, ok)

	unknown, _ := json.Marshal(InvalidationEvent{Namespace: "sessions"})
	assert.NoError(t, handle(ctx, nil, unknown))

	err = handle(ctx, nil, []byte("{not json"))
	assert.ErrorIs(t, err, kafka.ErrPoison)
}
