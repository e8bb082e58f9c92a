package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/retriever"
)

// Kind is one shape of retrieval request in the mix.
type Kind string

const (
	KindPlain    Kind = "plain"
	KindFiltered Kind = "filtered"
	KindNoRerank Kind = "no_rerank"
	KindBatch    Kind = "batch"
)

// Weights sets how often each kind is sent, relative to the others.
type Weights map[Kind]int

func DefaultWeights() Weights {
	return Weights{KindPlain: 6, KindFiltered: 2, KindNoRerank: 1, KindBatch: 1}
}

var esgQueries = []string{
	"climate risk disclosure",
	"scope 3 emissions",
	"water usage in operations",
	"board governance policy",
	"supplier code of conduct",
	"renewable energy targets",
	"biodiversity impact",
	"employee health and safety",
	"anti-corruption controls",
	"waste reduction program",
	"greenhouse gas inventory",
	"diversity and inclusion",
	"transition plan",
	"physical climate risk",
	"executive remuneration",
}

var esgTags = []string{"climate", "water", "governance", "social", "emissions"}

// Mix builds retrieval requests by weighted draw.
type Mix struct {
	kinds     []Kind
	total     int
	cum       []int
	queries   []string
	topK      int
	batchSize int
}

func NewMix(w Weights, queries []string, topK, batchSize int) (*Mix, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries")
	}
	m := &Mix{queries: queries, topK: topK, batchSize: max(1, batchSize)}
	for _, k := range []Kind{KindPlain, KindFiltered, KindNoRerank, KindBatch} {
		if w[k] <= 0 {
			continue
		}
		m.total += w[k]
		m.kinds = append(m.kinds, k)
		m.cum = append(m.cum, m.total)
	}
	if m.total == 0 {
		return nil, fmt.Errorf("every request kind has zero weight")
	}
	return m, nil
}

// Pick maps n in [0, total) to a kind.
func (m *Mix) Pick(n int) Kind {
	n %= m.total
	for i, c := range m.cum {
		if n < c {
			return m.kinds[i]
		}
	}
	return m.kinds[len(m.kinds)-1]
}

// Next draws a kind and returns its path and JSON body. seq picks the query
// so workers walk the query list in order.
func (m *Mix) Next(rng *rand.Rand, seq int) (Kind, string, []byte) {
	kind := m.Pick(rng.IntN(m.total))
	q := retriever.Query{Text: m.queries[seq%len(m.queries)], TopK: m.topK}

	var body any = q
	path := "/api/v1/retrieve"
	switch kind {
	case KindFiltered:
		q.Filters = retriever.Filters{
			Tags:    []string{esgTags[seq%len(esgTags)]},
			Formats: []document.Format{document.FormatPDF, document.FormatDOCX},
		}
		q.MinScore = 0.1
		body = q
	case KindNoRerank:
		off := false
		q.Rerank = &off
		body = q
	case KindBatch:
		batch := make([]retriever.Query, m.batchSize)
		for i := range batch {
			batch[i] = retriever.Query{Text: m.queries[(seq+i)%len(m.queries)], TopK: m.topK}
		}
		body = map[string]any{"queries": batch}
		path = "/api/v1/retrieve/batch"
	}
	data, _ := json.Marshal(body)
	return kind, path, data
}

// emptyResults reports whether a 200 response carried no passages. For a
// batch it counts the items that came back empty.
func emptyResults(kind Kind, body []byte) int {
	if kind == KindBatch {
		var out struct {
			Results []struct {
				Results []json.RawMessage `json:"results"`
			} `json:"results"`
		}
		if json.Unmarshal(body, &out) != nil {
			return 0
		}
		n := 0
		for _, r := range out.Results {
			if len(r.Results) == 0 {
				n++
			}
		}
		return n
	}
	var out struct {
		Count int `json:"count"`
	}
	if json.Unmarshal(body, &out) == nil && out.Count == 0 {
		return 1
	}
	return 0
}

func newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// cacheStats reads GET /api/v1/cache/stats.
func cacheStats(ctx context.Context, client *http.Client, baseURL string) (retriever.Stats, error) {
	var s retriever.Stats
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/cache/stats", nil)
	if err != nil {
		return s, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return s, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s, fmt.Errorf("cache stats: status %d", resp.StatusCode)
	}
	return s, json.NewDecoder(resp.Body).Decode(&s)
}
