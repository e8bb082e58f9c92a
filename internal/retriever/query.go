package retriever

import (
	"slices"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

// Query is one retrieval request. A nil Rerank means reranking is on.
type Query struct {
	Text     string  `json:"query"`
	TopK     int     `json:"top_k,omitempty"`
	Filters  Filters `json:"filters"`
	MinScore float64 `json:"min_score,omitempty"`
	Rerank   *bool   `json:"rerank,omitempty"`
}

func (q Query) rerank() bool {
	return q.Rerank == nil || *q.Rerank
}

// Filters restrict candidates by their document and tags. Zero values
// match everything. Tags match when the passage carries any of them.
type Filters struct {
	Formats       []document.Format `json:"formats,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	CreatedAfter  *time.Time        `json:"created_after,omitempty"`
	CreatedBefore *time.Time        `json:"created_before,omitempty"`
	NameContains  string            `json:"name_contains,omitempty"`
}

// Canonical returns an equivalent Filters with sorted, de-duplicated,
// lower-cased lists and UTC times, so equal filters encode identically.
func (f Filters) Canonical() Filters {
	out := Filters{NameContains: strings.ToLower(strings.TrimSpace(f.NameContains))}
	for _, fm := range f.Formats {
		out.Formats = append(out.Formats, document.Format(strings.ToLower(strings.TrimSpace(string(fm)))))
	}
	for _, t := range f.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out.Tags = append(out.Tags, t)
		}
	}
	slices.Sort(out.Formats)
	out.Formats = slices.Compact(out.Formats)
	slices.Sort(out.Tags)
	out.Tags = slices.Compact(out.Tags)
	if f.CreatedAfter != nil {
		t := f.CreatedAfter.UTC()
		out.CreatedAfter = &t
	}
	if f.CreatedBefore != nil {
		t := f.CreatedBefore.UTC()
		out.CreatedBefore = &t
	}
	return out
}

// match reports whether a candidate passes canonical filters f.
func (f Filters) match(doc document.Document, tags []string) bool {
	if len(f.Formats) > 0 && !slices.Contains(f.Formats, doc.Format) {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(tags, func(t string) bool {
		_, found := slices.BinarySearch(f.Tags, strings.ToLower(t))
		return found
	}) {
		return false
	}
	if f.CreatedAfter != nil && doc.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && doc.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(doc.Name), f.NameContains) {
		return false
	}
	return true
}

// queryText collapses runs of whitespace so equivalent queries share a
// cache entry and an embedding.
func queryText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
