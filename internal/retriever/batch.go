package retriever

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

// BatchResult is the answer to one query of a batch. Err is set instead of
// Results when that query failed.
type BatchResult struct {
	Query   string                  `json:"query"`
	Results []document.RankedResult `json:"results"`
	Err     error                   `json:"-"`
}

// RetrieveBatch answers queries with at most Options.BatchConcurrency in
// flight. Results keep the order of queries and a failed query does not
// cancel the others.
func (rt *Retriever) RetrieveBatch(ctx context.Context, queries []Query) []BatchResult {
	out := make([]BatchResult, len(queries))
	var g errgroup.Group
	g.SetLimit(rt.opts.BatchConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			results, err := rt.Retrieve(ctx, q)
			out[i] = BatchResult{Query: q.Text, Results: results, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
