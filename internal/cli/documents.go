package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/validator"
)

func newDocsCmd(e *env) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List registered documents, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&state, "state", "", "only documents in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of documents")

	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		docs, err := e.app.Store.ListDocuments(cmd.Context(), document.State(state), limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tFORMAT\tNAME\tCREATED")
		for _, d := range docs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.State, d.Format, d.Name, d.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	})
	return cmd
}

func newPassagesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passages <document-id>",
		Short: "Print the passages of a document in order",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		passages, err := e.app.Controller.GetPassages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range passages {
			fmt.Fprintf(out, "#%d [%d:%d] %s", p.SequenceIndex, p.StartOffset, p.EndOffset, p.ID)
			if len(p.Tags) > 0 {
				fmt.Fprintf(out, " (%s)", strings.Join(p.Tags, ", "))
			}
			fmt.Fprintf(out, "\n    %s\n", snippet(p.Text))
		}
		return nil
	})
	return cmd
}

func newTagCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag <passage-id> [tag]...",
		Short: "Replace the tags of a passage; no tags clears them",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		req := ingestion.TagsRequest{Tags: append([]string{}, args[1:]...)}
		if err := validator.ValidateTags(&req); err != nil {
			return err
		}
		p, err := e.app.Controller.SetPassageTags(cmd.Context(), args[0], req.Tags)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p.ID, strings.Join(p.Tags, ", "))
		return nil
	})
	return cmd
}

func newDeleteCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents with their passages and vectors",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			if err := e.app.Controller.DeleteDocument(cmd.Context(), id); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	})
	return cmd
}
