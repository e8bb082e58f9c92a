// Package document defines the records that flow through the ingestion and
// retrieval pipeline: documents, their passages, and ranked results.
package document

import (
	"path/filepath"
	"strings"
	"time"
)

// Format is the closed set of source formats the extractor understands.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatText Format = "text"
)

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatDOCX, FormatText:
		return true
	}
	return false
}

// FormatFromName infers the format from a file name or object key.
func FormatFromName(name string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF, true
	case ".docx":
		return FormatDOCX, true
	case ".txt", ".text", ".md", ".csv", ".log", "":
		return FormatText, true
	}
	return "", false
}

// State is a document's processing state.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition happens without a
// re-ingest.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Document is a source registered for ingestion.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SourceRef   string    `json:"source_ref"`
	Format      Format    `json:"format"`
	State       State     `json:"state"`
	Error       string    `json:"error,omitempty"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Passage is a bounded, ordered slice of a document's normalized text.
// StartOffset and EndOffset are rune offsets into that text.
type Passage struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	SequenceIndex int       `json:"sequence_index"`
	Text          string    `json:"text"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Tags          []string  `json:"tags"`
	StartOffset   int       `json:"start_offset"`
	EndOffset     int       `json:"end_offset"`
}

// RankedResult is one retrieval hit. It is cached but never persisted.
type RankedResult struct {
	PassageID     string   `json:"passage_id"`
	DocumentID    string   `json:"document_id"`
	SequenceIndex int      `json:"sequence_index"`
	Text          string   `json:"text"`
	Score         float64  `json:"relevance_score"`
	DocumentName  string   `json:"document_display_name"`
	Tags          []string `json:"tags"`
}
