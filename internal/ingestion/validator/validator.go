// Package validator checks document requests and returns per-field error
// details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion"
)

const (
	maxNameLength      = 1024
	maxSourceRefLength = 4096
	maxTags            = 64
	maxTagLength       = 128
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func result(errs map[string]string) error {
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateCreateRequest checks a JSON registration. Uploads set
// hasUpload, which makes source_ref optional.
func ValidateCreateRequest(req *ingestion.CreateRequest, hasUpload bool) error {
	errs := make(map[string]string)

	ref := strings.TrimSpace(req.SourceRef)
	switch {
	case ref == "" && !hasUpload:
		errs["source_ref"] = "source_ref is required"
	case len(ref) > maxSourceRefLength:
		errs["source_ref"] = fmt.Sprintf("source_ref must be at most %d characters", maxSourceRefLength)
	}
	if len(strings.TrimSpace(req.Name)) > maxNameLength {
		errs["name"] = fmt.Sprintf("name must be at most %d characters", maxNameLength)
	}
	if req.Format != "" && !req.Format.Valid() {
		errs["format"] = fmt.Sprintf("format must be one of %s, %s, %s", document.FormatPDF, document.FormatDOCX, document.FormatText)
	}
	chunking(errs, req.ChunkSize, req.ChunkOverlap)
	return result(errs)
}

// ValidateIngestRequest checks chunk overrides. Bounds are enforced by the
// chunker; this only rejects values that can never be valid.
func ValidateIngestRequest(req *ingestion.IngestRequest) error {
	errs := make(map[string]string)
	chunking(errs, req.ChunkSize, req.ChunkOverlap)
	return result(errs)
}

func chunking(errs map[string]string, size, overlap *int) {
	if size != nil && *size <= 0 {
		errs["chunk_size"] = "chunk_size must be positive"
	}
	if overlap != nil && *overlap < 0 {
		errs["chunk_overlap"] = "chunk_overlap must not be negative"
	}
	if size != nil && overlap != nil && *overlap >= *size {
		errs["chunk_overlap"] = "chunk_overlap must be smaller than chunk_size"
	}
}

// ValidateTags checks a tag replacement.
func ValidateTags(req *ingestion.TagsRequest) error {
	errs := make(map[string]string)
	if req.Tags == nil {
		errs["tags"] = "tags is required; send [] to clear"
	} else if len(req.Tags) > maxTags {
		errs["tags"] = fmt.Sprintf("at most %d tags", maxTags)
	}
	for _, t := range req.Tags {
		if len(t) > maxTagLength {
			errs["tags"] = fmt.Sprintf("tags must be at most %d characters", maxTagLength)
			break
		}
	}
	return result(errs)
}
