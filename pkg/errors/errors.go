package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Pipeline error taxonomy. Every component error wraps exactly one of these.
var (
	ErrExtraction = errors.New("extraction error")
	ErrChunking   = errors.New("chunking error")
	ErrEmbedding  = errors.New("embedding error")
	ErrIndex      = errors.New("index error")
	ErrCache      = errors.New("cache error")
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrPassageNotFound  = errors.New("passage not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStore            = errors.New("store error")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Err.Error(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrap classifies cause under sentinel. A nil cause yields nil.
func Wrap(sentinel error, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusFor(sentinel),
		Cause:      cause,
	}
}

// Kind names the taxonomy member err belongs to, for logs and stored
// failure messages.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExtraction):
		return "ExtractionError"
	case errors.Is(err, ErrChunking):
		return "ChunkingError"
	case errors.Is(err, ErrEmbedding):
		return "EmbeddingError"
	case errors.Is(err, ErrIndex):
		return "IndexError"
	case errors.Is(err, ErrCache):
		return "CacheError"
	case errors.Is(err, ErrStore):
		return "StoreError"
	default:
		return "Error"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrPassageNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrChunking):
		return http.StatusBadRequest
	case errors.Is(err, ErrExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrEmbedding), errors.Is(err, ErrIndex), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
