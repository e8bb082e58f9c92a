// Package extract converts raw document bytes into plain text. Each
// supported format has its own Extractor; a Registry selects one by the
// document's format.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/resilience"
)

// Extractor turns the bytes of one document into text.
type Extractor interface {
	Extract(ctx context.Context, doc document.Document, data []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, doc document.Document, data []byte) (string, error)

func (f ExtractorFunc) Extract(ctx context.Context, doc document.Document, data []byte) (string, error) {
	return f(ctx, doc, data)
}

// Registry dispatches extraction by document format and bounds every call
// with a timeout.
type Registry struct {
	extractors map[document.Format]Extractor
	timeout    time.Duration
	logger     *slog.Logger
}

// NewRegistry returns a Registry for the given formats. A zero timeout
// disables the bound.
func NewRegistry(extractors map[document.Format]Extractor, timeout time.Duration) *Registry {
	return &Registry{
		extractors: extractors,
		timeout:    timeout,
		logger:     slog.Default().With("component", "extractor"),
	}
}

// NewDefaultRegistry wires the pdf, docx and text extractors.
func NewDefaultRegistry(cfg config.ExtractionConfig, timeout time.Duration) *Registry {
	return NewRegistry(map[document.Format]Extractor{
		document.FormatPDF:  NewPDF(ExecRunner{}, cfg.PDFToTextPath, cfg.MinLayoutChars),
		document.FormatDOCX: DOCX{},
		document.FormatText: PlainText{},
	}, timeout)
}

// Extract runs the extractor registered for doc.Format.
func (r *Registry) Extract(ctx context.Context, doc document.Document, data []byte) (string, error) {
	ex, ok := r.extractors[doc.Format]
	if !ok {
		return "", failf("unsupported format %q", doc.Format)
	}
	if len(data) == 0 {
		return "", failf("document %s is empty", doc.ID)
	}

	start := time.Now()
	text, err := resilience.Do(ctx, r.timeout, "extract", func(ctx context.Context) (string, error) {
		return ex.Extract(ctx, doc, data)
	})
	if err != nil {
		if ctx.Err() == nil && !isExtractionError(err) {
			err = apperrors.Wrap(apperrors.ErrExtraction, err, "extract "+string(doc.Format))
		}
		return "", err
	}
	r.logger.Debug("document extracted",
		"document_id", doc.ID,
		"format", doc.Format,
		"bytes", len(data),
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

func isExtractionError(err error) bool {
	return errors.Is(err, apperrors.ErrExtraction)
}

// failf builds an ExtractionError.
func failf(format string, args ...any) error {
	return apperrors.Newf(apperrors.ErrExtraction, http.StatusUnprocessableEntity, format, args...)
}
