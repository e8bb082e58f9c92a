// Package telemetry buffers retrieval events and ships them to Kafka in
// batches.
package telemetry

import "time"

type EventType string

const (
	EventRetrieval  EventType = "retrieval"
	EventCacheHit   EventType = "cache_hit"
	EventZeroResult EventType = "zero_result"
	EventDegraded   EventType = "degraded"
)

// RetrievalEvent describes one answered query.
type RetrievalEvent struct {
	Type      EventType `json:"type"`
	Query     string    `json:"query"`
	TopK      int       `json:"top_k"`
	Returned  int       `json:"returned"`
	TopScore  float64   `json:"top_score,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	Rerank    bool      `json:"rerank"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}
