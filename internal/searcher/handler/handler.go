package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/retriever"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/logger"
)

const maxBatchQueries = 50

// Retriever answers queries and manages its result cache.
type Retriever interface {
	Retrieve(ctx context.Context, q retriever.Query) ([]document.RankedResult, error)
	RetrieveBatch(ctx context.Context, queries []retriever.Query) []retriever.BatchResult
	Invalidate(ctx context.Context) (int64, error)
	Stats() retriever.Stats
}

type Handler struct {
	retriever Retriever
	maxTopK   int
	logger    *slog.Logger
}

func New(r Retriever, maxTopK int) *Handler {
	return &Handler{
		retriever: r,
		maxTopK:   maxTopK,
		logger:    slog.Default().With("component", "retrieval-handler"),
	}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/retrieve", h.Retrieve)
	mux.HandleFunc("POST /api/v1/retrieve/batch", h.RetrieveBatch)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
}

type retrieveResponse struct {
	Query     string                  `json:"query"`
	Results   []document.RankedResult `json:"results"`
	Count     int                     `json:"count"`
	LatencyMs int64                   `json:"latency_ms"`
}

type batchRequest struct {
	Queries []retriever.Query `json:"queries"`
}

type batchItem struct {
	Query   string                  `json:"query"`
	Results []document.RankedResult `json:"results"`
	Error   string                  `json:"error,omitempty"`
}

func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var q retriever.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := h.check(q); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	results, err := h.retriever.Retrieve(ctx, q)
	if err != nil {
		logger.FromContext(ctx).Error("retrieval failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "retrieval failed")
		return
	}
	h.writeJSON(w, http.StatusOK, retrieveResponse{
		Query:     q.Text,
		Results:   results,
		Count:     len(results),
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// RetrieveBatch answers several queries; a failing query is reported in
// its own item.
func (h *Handler) RetrieveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Queries) == 0 || len(req.Queries) > maxBatchQueries {
		h.writeError(w, http.StatusBadRequest, "queries must hold between 1 and 50 entries")
		return
	}
	for _, q := range req.Queries {
		if msg := h.check(q); msg != "" {
			h.writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	out := h.retriever.RetrieveBatch(r.Context(), req.Queries)
	items := make([]batchItem, len(out))
	for i, res := range out {
		items[i] = batchItem{Query: res.Query, Results: res.Results}
		if res.Err != nil {
			items[i].Results = []document.RankedResult{}
			items[i].Error = apperrors.Kind(res.Err)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (h *Handler) check(q retriever.Query) string {
	switch {
	case q.TopK < 0:
		return "top_k must not be negative"
	case h.maxTopK > 0 && q.TopK > h.maxTopK:
		return "top_k exceeds the maximum"
	case q.MinScore < 0 || q.MinScore > 1:
		return "min_score must be within [0, 1]"
	}
	for _, f := range q.Filters.Formats {
		if !document.Format(strings.ToLower(string(f))).Valid() {
			return "unknown format in filters: " + string(f)
		}
	}
	return ""
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.retriever.Stats())
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	n, err := h.retriever.Invalidate(r.Context())
	if err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "keys_deleted": n})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
