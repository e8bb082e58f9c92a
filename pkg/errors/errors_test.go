package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesSentinelAndCause(t *testing.T) {
	err := Wrap(ErrEmbedding, context.DeadlineExceeded, "embedding model call")

	assert.True(t, errors.Is(err, ErrEmbedding))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrIndex))
	assert.Contains(t, err.Error(), "embedding model call")
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(ErrIndex, nil, "noop"))
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{New(ErrExtraction, 0, "x"), "ExtractionError"},
		{fmt.Errorf("outer: %w", New(ErrChunking, 0, "x")), "ChunkingError"},
		{Wrap(ErrEmbedding, errors.New("boom"), "x"), "EmbeddingError"},
		{Wrap(ErrIndex, errors.New("boom"), "x"), "IndexError"},
		{Wrap(ErrCache, errors.New("boom"), "x"), "CacheError"},
		{errors.New("plain"), "Error"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Kind(tc.err))
	}
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatusCode(ErrDocumentNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusCode(New(ErrChunking, http.StatusBadRequest, "size")))
	assert.Equal(t, http.StatusConflict, HTTPStatusCode(New(ErrInvalidInput, http.StatusConflict, "dup")))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusCode(Wrap(ErrIndex, errors.New("down"), "search")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(errors.New("other")))
}
