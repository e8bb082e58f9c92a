package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
)

const sampleText = "Climate risk. Water usage. Governance policy."

func newServer(t *testing.T) (*httptest.Server, *bootstrap.App) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(dir, "passages.db")
	cfg.Cache.Backend = "memory"
	cfg.VectorIndex.Path = ""
	cfg.Storage.DataDir = filepath.Join(dir, "documents")
	cfg.Kafka.Enabled = false
	cfg.Chunking.MinSize = 10
	cfg.Chunking.Size = 20
	cfg.Chunking.Overlap = 5

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	app, err := bootstrap.Build(ctx, cfg, bootstrap.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	pub := publisher.New(app.Controller, nil, app.Files)
	h := New(pub, app.Controller, app.Store, 1<<20)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, app
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCreateFromSourceRef(t *testing.T) {
	srv, app := newServer(t)
	ref, err := app.Files.Put(context.Background(), "esg.txt", []byte(sampleText))
	require.NoError(t, err)

	var created ingestion.DocumentResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", ingestion.CreateRequest{SourceRef: ref}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, document.StateCompleted, created.State)
	assert.False(t, created.Queued)
	assert.Equal(t, "esg.txt", created.Name)

	var doc document.Document
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/documents/"+created.DocumentID, nil, &doc))
	assert.Equal(t, document.FormatText, doc.Format)

	var passages struct {
		Passages []document.Passage `json:"passages"`
		Count    int                `json:"count"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/documents/"+created.DocumentID+"/passages", nil, &passages))
	require.Equal(t, 3, passages.Count)
	assert.Equal(t, "Water usage.", passages.Passages[1].Text)
	assert.Nil(t, passages.Passages[1].Embedding)

	var listed struct {
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, srv.URL+"/api/v1/documents?state=completed", nil, &listed))
	assert.Equal(t, 1, listed.Count)
}

func TestCreateFromUpload(t *testing.T) {
	srv, _ := newServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte(sampleText))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("chunk_size", "100"))
	require.NoError(t, mw.WriteField("chunk_overlap", "0"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/api/v1/documents", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created ingestion.DocumentResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "notes.txt", created.Name)
	assert.Equal(t, document.StateCompleted, created.State)
}

func TestCreateValidation(t *testing.T) {
	srv, _ := newServer(t)

	var out map[string]any
	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", ingestion.CreateRequest{Format: "odt"}, &out)
	assert.Equal(t, http.StatusBadRequest, status)
	fields := out["fields"].(map[string]any)
	assert.Contains(t, fields, "source_ref")
	assert.Contains(t, fields, "format")

	status = doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", ingestion.CreateRequest{SourceRef: "file://slides.pptx"}, &out)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Error", out["kind"])
}

func TestFailedIngestIsReported(t *testing.T) {
	srv, _ := newServer(t)

	var created ingestion.DocumentResponse
	status := doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", ingestion.CreateRequest{SourceRef: "file://missing.txt"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, document.StateFailed, created.State)
	assert.Contains(t, created.Error, "ExtractionError")
}

func TestReingestTagsAndDelete(t *testing.T) {
	srv, app := newServer(t)
	ctx := context.Background()
	ref, err := app.Files.Put(ctx, "esg.txt", []byte(sampleText))
	require.NoError(t, err)
	var created ingestion.DocumentResponse
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents", ingestion.CreateRequest{SourceRef: ref}, &created))
	docURL := srv.URL + "/api/v1/documents/" + created.DocumentID

	size, overlap := 100, 0
	var reingested ingestion.DocumentResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, docURL+"/ingest", ingestion.IngestRequest{ChunkSize: &size, ChunkOverlap: &overlap}, &reingested))
	assert.Equal(t, document.StateCompleted, reingested.State)

	var out map[string]any
	bad := 10
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, docURL+"/ingest", ingestion.IngestRequest{ChunkSize: &bad, ChunkOverlap: &bad}, &out))

	var p document.Passage
	tagsURL := srv.URL + "/api/v1/passages/" + pipeline.PassageID(created.DocumentID, 0) + "/tags"
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPut, tagsURL, ingestion.TagsRequest{Tags: []string{"ESG", "climate"}}, &p))
	assert.Equal(t, []string{"esg", "climate"}, p.Tags)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, tagsURL, map[string]any{}, &out))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPut, srv.URL+"/api/v1/passages/nope/tags", ingestion.TagsRequest{Tags: []string{}}, &out))

	assert.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, docURL, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, docURL, nil, &out))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, docURL+"/ingest", nil, &out))
}

func TestEmbedBackfill(t *testing.T) {
	srv, app := newServer(t)
	ref, err := app.Files.Put(context.Background(), "esg.txt", []byte(sampleText))
	require.NoError(t, err)
	noEmbeddings := false
	var created ingestion.DocumentResponse
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents",
		ingestion.CreateRequest{SourceRef: ref, GenerateEmbeddings: &noEmbeddings}, &created))
	require.Equal(t, document.StateCompleted, created.State)
	docURL := srv.URL + "/api/v1/documents/" + created.DocumentID

	var out struct {
		DocumentID string `json:"document_id"`
		Embedded   int    `json:"embedded"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, docURL+"/embed", nil, &out))
	assert.Equal(t, created.DocumentID, out.DocumentID)
	assert.Equal(t, 3, out.Embedded)

	var passages struct {
		Passages []document.Passage `json:"passages"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, docURL+"/passages?include_embeddings=true", nil, &passages))
	require.Len(t, passages.Passages, 3)
	assert.NotEmpty(t, passages.Passages[0].Embedding)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, docURL+"/embed", nil, &out))
	assert.Zero(t, out.Embedded)

	var failed map[string]any
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, srv.URL+"/api/v1/documents/nope/embed", nil, &failed))
}
