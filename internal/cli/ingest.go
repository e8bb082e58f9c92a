package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
)

type chunkFlags struct {
	size         int
	overlap      int
	noEmbeddings bool
}

func (f *chunkFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.size, "chunk-size", 0, "chunk size in characters (default from config)")
	cmd.Flags().IntVar(&f.overlap, "chunk-overlap", -1, "chunk overlap in characters (default from config)")
	cmd.Flags().BoolVar(&f.noEmbeddings, "no-embeddings", false, "store passages without embedding them")
}

func (f *chunkFlags) apply(size, overlap **int, embed **bool) {
	if f.size > 0 {
		*size = &f.size
	}
	if f.overlap >= 0 {
		*overlap = &f.overlap
	}
	if f.noEmbeddings {
		no := false
		*embed = &no
	}
}

func newIngestCmd(e *env) *cobra.Command {
	var (
		name   string
		format string
		chunk  chunkFlags
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Register and ingest local files",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (single file only)")
	cmd.Flags().StringVar(&format, "format", "", "document format: pdf, docx or txt (default from extension)")
	chunk.register(cmd)

	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		if name != "" && len(args) > 1 {
			return fmt.Errorf("--name needs exactly one file")
		}
		ctx := cmd.Context()
		batch := &jobBatch{}
		register := publisher.New(e.app.Controller, batch, e.app.Files)
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			req := ingestion.CreateRequest{Name: name, Format: document.Format(format)}
			chunk.apply(&req.ChunkSize, &req.ChunkOverlap, &req.GenerateEmbeddings)
			if err := validator.ValidateCreateRequest(&req, true); err != nil {
				return err
			}
			if _, err := register.Submit(ctx, &req, &publisher.Upload{Filename: path, Data: data}); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}

		failed := 0
		for _, res := range e.app.Controller.IngestMany(ctx, batch.ids(), batch.options()) {
			if res.Err != nil {
				return fmt.Errorf("ingesting %s: %w", res.DocumentID, res.Err)
			}
			doc, err := e.app.Controller.GetDocument(ctx, res.DocumentID)
			if err != nil {
				return err
			}
			printResponse(cmd, &ingestion.DocumentResponse{
				DocumentID: doc.ID,
				Name:       doc.Name,
				State:      res.State,
				Error:      doc.Error,
			})
			if res.State == document.StateFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(args))
		}
		return nil
	})
	return cmd
}

// jobBatch collects the jobs of one ingest invocation so they run through
// the worker pool together once every file is registered.
type jobBatch struct {
	jobs []pipeline.IngestJob
}

func (b *jobBatch) Enqueue(_ context.Context, job pipeline.IngestJob) error {
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *jobBatch) ids() []string {
	ids := make([]string, len(b.jobs))
	for i, j := range b.jobs {
		ids[i] = j.DocumentID
	}
	return ids
}

// options are shared by the batch since every job comes from the same flags.
func (b *jobBatch) options() pipeline.IngestOptions {
	if len(b.jobs) == 0 {
		return pipeline.DefaultIngestOptions()
	}
	return b.jobs[0].Options()
}

func newReingestCmd(e *env) *cobra.Command {
	var chunk chunkFlags
	cmd := &cobra.Command{
		Use:   "reingest <document-id>",
		Short: "Re-run ingestion of a registered document",
		Args:  cobra.ExactArgs(1),
	}
	chunk.register(cmd)
	cmd.RunE = e.run(func(cmd *cobra.Command, args []string) error {
		var req ingestion.IngestRequest
		chunk.apply(&req.ChunkSize, &req.ChunkOverlap, &req.GenerateEmbeddings)
		if err := validator.ValidateIngestRequest(&req); err != nil {
			return err
		}
		resp, err := e.publisher.Reingest(cmd.Context(), args[0], &req)
		if err != nil {
			return err
		}
		printResponse(cmd, resp)
		if resp.State == document.StateFailed {
			return fmt.Errorf("ingestion failed")
		}
		return nil
	})
	return cmd
}

func newEmbedCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "embed <document-id>",
		Short: "Embed and index passages stored without embeddings",
		Args:  cobra.ExactArgs(1),
		RunE: e.run(func(cmd *cobra.Command, args []string) error {
			n, err := e.app.Controller.EmbedMissing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  embedded %d passages\n", args[0], n)
			return nil
		}),
	}
}

func printResponse(cmd *cobra.Command, resp *ingestion.DocumentResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %-10s %s\n", resp.DocumentID, resp.State, resp.Name)
	if resp.Error != "" {
		fmt.Fprintf(out, "    %s\n", resp.Error)
	}
}
