// Package ingestion defines the request and response types of the document
// HTTP service.
package ingestion

import (
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

// CreateRequest is the JSON body accepted by POST /api/v1/documents. Upload
// requests carry the same fields as multipart form values.
type CreateRequest struct {
	Name               string          `json:"name"`
	SourceRef          string          `json:"source_ref"`
	Format             document.Format `json:"format,omitempty"`
	ChunkSize          *int            `json:"chunk_size,omitempty"`
	ChunkOverlap       *int            `json:"chunk_overlap,omitempty"`
	GenerateEmbeddings *bool           `json:"generate_embeddings,omitempty"`
}

// IngestRequest is the optional body of POST /api/v1/documents/{id}/ingest.
type IngestRequest struct {
	ChunkSize          *int  `json:"chunk_size,omitempty"`
	ChunkOverlap       *int  `json:"chunk_overlap,omitempty"`
	GenerateEmbeddings *bool `json:"generate_embeddings,omitempty"`
}

// TagsRequest is the body of PUT /api/v1/passages/{id}/tags.
type TagsRequest struct {
	Tags []string `json:"tags"`
}

// DocumentResponse is returned after a document is accepted or processed.
type DocumentResponse struct {
	DocumentID string         `json:"document_id"`
	Name       string         `json:"name"`
	State      document.State `json:"state"`
	Error      string         `json:"error,omitempty"`
	Queued     bool           `json:"queued"`
	AcceptedAt time.Time      `json:"accepted_at"`
}
