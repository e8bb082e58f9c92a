package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

// DefaultMinLayoutChars is the shortest layout-pass result trusted without
// trying the text-stream fallback.
const DefaultMinLayoutChars = 100

// CommandRunner runs an external program with stdin and returns its
// stdout.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// PDF extracts text with a layout-aware pdftotext pass and falls back to
// reading page content streams with pdfcpu when that pass comes back
// short or fails.
type PDF struct {
	runner         CommandRunner
	toolPath       string
	minLayoutChars int
	logger         *slog.Logger
}

// NewPDF returns a PDF extractor. An empty toolPath or nil runner skips
// the layout pass.
func NewPDF(runner CommandRunner, toolPath string, minLayoutChars int) *PDF {
	if minLayoutChars <= 0 {
		minLayoutChars = DefaultMinLayoutChars
	}
	return &PDF{
		runner:         runner,
		toolPath:       toolPath,
		minLayoutChars: minLayoutChars,
		logger:         slog.Default().With("component", "pdf-extractor"),
	}
}

func (p *PDF) Extract(ctx context.Context, doc document.Document, data []byte) (string, error) {
	layout, layoutErr := p.layoutText(ctx, data)
	if layoutErr != nil {
		p.logger.Debug("layout pass unavailable", "document_id", doc.ID, "error", layoutErr)
	}
	layout = strings.TrimSpace(layout)
	if len(layout) >= p.minLayoutChars {
		return layout, nil
	}

	stream, streamErr := streamText(ctx, data)
	stream = strings.TrimSpace(stream)
	if streamErr != nil {
		p.logger.Warn("text stream pass failed", "document_id", doc.ID, "error", streamErr)
	}

	best := layout
	if len(stream) > len(best) {
		best = stream
	}
	if best == "" {
		return "", failf("document %s: no page yields text: %v", doc.ID, errors.Join(layoutErr, streamErr))
	}
	return best, nil
}

func (p *PDF) layoutText(ctx context.Context, data []byte) (string, error) {
	if p.runner == nil || p.toolPath == "" {
		return "", errors.New("layout pass disabled")
	}
	out, err := p.runner.Run(ctx, data, p.toolPath, "-layout", "-enc", "UTF-8", "-", "-")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var pdfcpuConfigOnce sync.Once

// streamText reads every page's content stream and keeps the text drawn
// by its show-text operators, one page after another.
func streamText(ctx context.Context, data []byte) (string, error) {
	// pdfcpu otherwise installs a config dir under the user's home
	pdfcpuConfigOnce.Do(func() { model.ConfigPath = "disable" })
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pdfCtx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	if err := api.ValidateContext(pdfCtx); err != nil {
		return "", fmt.Errorf("validate pdf: %w", err)
	}

	var pages []string
	var errs []error
	for page := 1; page <= pdfCtx.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r, err := pdfcpu.ExtractPageContent(pdfCtx, page)
		if err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", page, err))
			continue
		}
		if r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", page, err))
			continue
		}
		if text := strings.TrimSpace(ScanContentText(content)); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(pages, "\n\n"), nil
}
