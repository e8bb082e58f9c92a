package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/logger"
)

const defaultListLimit = 50

// Documents reads and mutates registered documents.
type Documents interface {
	GetDocument(ctx context.Context, documentID string) (document.Document, error)
	GetPassages(ctx context.Context, documentID string) ([]document.Passage, error)
	DeleteDocument(ctx context.Context, documentID string) error
	SetPassageTags(ctx context.Context, passageID string, tags []string) (document.Passage, error)
	EmbedMissing(ctx context.Context, documentID string) (int, error)
}

// Lister lists documents, newest first.
type Lister interface {
	ListDocuments(ctx context.Context, state document.State, limit int) ([]document.Document, error)
}

type Handler struct {
	publisher *publisher.Publisher
	documents Documents
	lister    Lister
	maxUpload int64
	logger    *slog.Logger
}

func New(pub *publisher.Publisher, docs Documents, lister Lister, maxUpload int64) *Handler {
	return &Handler{
		publisher: pub,
		documents: docs,
		lister:    lister,
		maxUpload: maxUpload,
		logger:    slog.Default().With("component", "documents-handler"),
	}
}

// Routes registers the document endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/documents", h.Create)
	mux.HandleFunc("GET /api/v1/documents", h.List)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.Delete)
	mux.HandleFunc("POST /api/v1/documents/{id}/ingest", h.Ingest)
	mux.HandleFunc("POST /api/v1/documents/{id}/embed", h.Embed)
	mux.HandleFunc("GET /api/v1/documents/{id}/passages", h.Passages)
	mux.HandleFunc("PUT /api/v1/passages/{id}/tags", h.SetTags)
	mux.HandleFunc("GET /health", h.Health)
}

// Create registers a document from a JSON source reference or a multipart
// upload and dispatches it for ingestion.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req ingestion.CreateRequest
	var upload *publisher.Upload
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var err error
		upload, err = h.readUpload(w, r, &req)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := validator.ValidateCreateRequest(&req, upload != nil); err != nil {
		h.writeValidation(w, err)
		return
	}

	resp, err := h.publisher.Submit(ctx, &req, upload)
	if err != nil {
		log.Error("document registration failed", "error", err, "status_code", apperrors.HTTPStatusCode(err))
		h.writeAppError(w, err, "document registration failed")
		return
	}
	log.Info("document accepted",
		"doc_id", resp.DocumentID,
		"state", resp.State,
		"queued", resp.Queued,
	)
	status := http.StatusAccepted
	if !resp.Queued && resp.State.Terminal() {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, req *ingestion.CreateRequest) (*publisher.Upload, error) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, fmt.Errorf("invalid multipart body: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("multipart field 'file' is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading upload: %v", err)
	}
	if h.maxUpload > 0 && int64(len(data)) > h.maxUpload {
		return nil, fmt.Errorf("upload exceeds %d bytes", h.maxUpload)
	}

	req.Name = r.FormValue("name")
	req.Format = document.Format(r.FormValue("format"))
	if req.ChunkSize, err = formInt(r, "chunk_size"); err != nil {
		return nil, err
	}
	if req.ChunkOverlap, err = formInt(r, "chunk_overlap"); err != nil {
		return nil, err
	}
	if v := r.FormValue("generate_embeddings"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("generate_embeddings must be a boolean")
		}
		req.GenerateEmbeddings = &b
	}
	return &publisher.Upload{Filename: header.Filename, Data: data}, nil
}

func formInt(r *http.Request, key string) (*int, error) {
	v := r.FormValue(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &n, nil
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	state := document.State(r.URL.Query().Get("state"))
	docs, err := h.lister.ListDocuments(r.Context(), state, limit)
	if err != nil {
		h.writeAppError(w, err, "listing documents failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.documents.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, err, "loading document failed")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// Ingest re-runs ingestion of an existing document, optionally with new
// chunk parameters.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ingestion.IngestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if err := validator.ValidateIngestRequest(&req); err != nil {
		h.writeValidation(w, err)
		return
	}
	resp, err := h.publisher.Reingest(ctx, r.PathValue("id"), &req)
	if err != nil {
		logger.FromContext(ctx).Error("ingest request failed", "doc_id", r.PathValue("id"), "error", err)
		h.writeAppError(w, err, "ingestion failed")
		return
	}
	status := http.StatusAccepted
	if !resp.Queued && resp.State.Terminal() {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// Embed embeds the passages of a completed document that were stored
// without embeddings.
func (h *Handler) Embed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.documents.EmbedMissing(r.Context(), id)
	if err != nil {
		logger.FromContext(r.Context()).Error("embedding backfill failed", "doc_id", id, "error", err)
		h.writeAppError(w, err, "embedding failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "embedded": n})
}

func (h *Handler) Passages(w http.ResponseWriter, r *http.Request) {
	passages, err := h.documents.GetPassages(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAppError(w, err, "loading passages failed")
		return
	}
	if r.URL.Query().Get("include_embeddings") != "true" {
		for i := range passages {
			passages[i].Embedding = nil
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"passages": passages, "count": len(passages)})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.documents.DeleteDocument(r.Context(), id); err != nil {
		h.writeAppError(w, err, "deleting document failed")
		return
	}
	logger.FromContext(r.Context()).Info("document deleted", "doc_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// SetTags replaces the classification tags of a passage.
func (h *Handler) SetTags(w http.ResponseWriter, r *http.Request) {
	var req ingestion.TagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateTags(&req); err != nil {
		h.writeValidation(w, err)
		return
	}
	p, err := h.documents.SetPassageTags(r.Context(), r.PathValue("id"), req.Tags)
	if err != nil {
		h.writeAppError(w, err, "updating tags failed")
		return
	}
	p.Embedding = nil
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError reports client errors verbatim and hides server errors
// behind fallback.
func (h *Handler) writeAppError(w http.ResponseWriter, err error, fallback string) {
	status := apperrors.HTTPStatusCode(err)
	if status < http.StatusInternalServerError {
		h.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": apperrors.Kind(err)})
		return
	}
	h.writeError(w, status, fallback)
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, strings.TrimSpace(err.Error()))
}
