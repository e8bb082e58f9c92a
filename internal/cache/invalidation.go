package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/kafka"
)

// InvalidationEvent asks every process holding a cache to drop a namespace.
// It is published when ingestion or deletion changes what retrieval would
// return.
type InvalidationEvent struct {
	Namespace  string    `json:"namespace"`
	DocumentID string    `json:"document_id,omitempty"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// PublishInvalidation sends ev on pub. A nil publisher is a no-op; failures
// are logged since the local invalidation already happened.
func PublishInvalidation(ctx context.Context, pub kafka.Publisher, ev InvalidationEvent) {
	if pub == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := pub.Publish(ctx, kafka.Event{Key: ev.Namespace, Value: ev}); err != nil {
		slog.Default().With("component", "cache").Warn("publishing cache invalidation failed",
			"namespace", ev.Namespace,
			"document_id", ev.DocumentID,
			"error", err,
		)
	}
}

// HandleInvalidation returns a MessageHandler that applies invalidation
// events to c.
func HandleInvalidation(c *Cache) kafka.MessageHandler {
	logger := slog.Default().With("component", "cache-invalidation")
	return func(ctx context.Context, key []byte, value []byte) error {
		ev, err := kafka.DecodeJSON[InvalidationEvent](value)
		if err != nil {
			return err
		}
		switch ev.Namespace {
		case NamespaceSearch, NamespaceEmbedding, NamespaceChunks:
		default:
			logger.Warn("ignoring invalidation for unknown namespace", "namespace", ev.Namespace)
			return nil
		}
		n, err := c.Invalidate(ctx, ev.Namespace)
		if err != nil {
			return err
		}
		logger.Debug("cache invalidated",
			"namespace", ev.Namespace,
			"document_id", ev.DocumentID,
			"reason", ev.Reason,
			"removed", n,
		)
		return nil
	}
}
