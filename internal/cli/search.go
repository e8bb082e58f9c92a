package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/retriever"
)

const snippetRunes = 160

func newSearchCmd(e *env) *cobra.Command {
	var (
		topK     int
		minScore float64
		formats  []string
		tags     []string
		name     string
		noRerank bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the passages most relevant to a query",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVarP(&topK, "limit", "n", 0, "maximum number of passages (default from config)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "drop passages scoring below this similarity")
	cmd.Flags().StringSliceVar(&formats, "format", nil, "only documents of these formats")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "only passages carrying any of these tags")
	cmd.Flags().StringVar(&name, "name", "", "only documents whose name contains this text")
	cmd.Flags().BoolVar(&noRerank, "no-rerank", false, "rank by vector similarity only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		q := retriever.Query{
			Text:     args[0],
			TopK:     topK,
			MinScore: minScore,
			Filters: retriever.Filters{
				Tags:         tags,
				NameContains: name,
			},
		}
		for _, f := range formats {
			q.Filters.Formats = append(q.Filters.Formats, document.Format(f))
		}
		if noRerank {
			off := false
			q.Rerank = &off
		}

		results, err := e.app.Retriever.Retrieve(cmd.Context(), q)
		if err != nil {
			return fmt.Errorf("retrieval failed: %w", err)
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		printResults(cmd, results)
		return nil
	})
	return cmd
}

func printResults(cmd *cobra.Command, results []document.RankedResult) {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No passages found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(out, "[%d] %.4f  %s #%d\n", i+1, r.Score, r.DocumentName, r.SequenceIndex)
		fmt.Fprintf(out, "    %s\n", snippet(r.Text))
	}
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "..."
}
