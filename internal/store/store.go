// Package store persists documents and passages in the relational database.
// Queries are written once with '?' placeholders and rebound for PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/sqldb"
)

type Store struct {
	db      *sqldb.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a Store. Every call is bounded by timeout when it is positive.
func New(db *sqldb.Client, timeout time.Duration) *Store {
	return &Store{
		db:      db,
		timeout: timeout,
		logger:  slog.Default().With("component", "store"),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func storeErr(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrTimeout, err, msg)
	}
	return apperrors.Wrap(apperrors.ErrStore, err, msg)
}

func documentNotFound(id string) error {
	return apperrors.Newf(apperrors.ErrDocumentNotFound, http.StatusNotFound, "document %s not found", id)
}

const documentColumns = `id, name, source_ref, format, state, error, size, content_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (document.Document, error) {
	var (
		d                document.Document
		format, state    string
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.SourceRef, &format, &state, &d.Error, &d.Size, &d.ContentHash, &created, &updated); err != nil {
		return d, err
	}
	d.Format = document.Format(format)
	d.State = document.State(state)
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	return d, nil
}

// CreateDocument inserts d. CreatedAt and UpdatedAt are set when zero.
func (s *Store) CreateDocument(ctx context.Context, d *document.Document) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	_, err := s.db.DB.ExecContext(ctx, s.q(`INSERT INTO documents (`+documentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.Name, d.SourceRef, string(d.Format), string(d.State), d.Error, d.Size, d.ContentHash,
		d.CreatedAt.UnixNano(), d.UpdatedAt.UnixNano())
	if err != nil {
		return storeErr(err, "inserting document "+d.ID)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (document.Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	d, err := scanDocument(s.db.DB.QueryRowContext(ctx,
		s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, documentNotFound(id)
	}
	if err != nil {
		return d, storeErr(err, "loading document "+id)
	}
	return d, nil
}

// GetDocuments loads the documents with the given ids. Unknown ids are
// absent from the result.
func (s *Store) GetDocuments(ctx context.Context, ids []string) (map[string]document.Document, error) {
	out := make(map[string]document.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	uniq := unique(ids)
	rows, err := s.db.DB.QueryContext(ctx,
		s.q(`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders(len(uniq))+`)`), anySlice(uniq)...)
	if err != nil {
		return nil, storeErr(err, "loading documents")
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeErr(err, "scanning document")
		}
		out[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterating documents")
	}
	return out, nil
}

// ListDocuments returns documents newest first, optionally restricted to
// one state.
func (s *Store) ListDocuments(ctx context.Context, state document.State, limit int) ([]document.Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeErr(err, "listing documents")
	}
	defer rows.Close()
	docs := make([]document.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storeErr(err, "scanning document")
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterating documents")
	}
	return docs, nil
}

// SetState moves a document to state and records errMsg, which is cleared
// for every state but failed.
func (s *Store) SetState(ctx context.Context, id string, state document.State, errMsg string) error {
	if state != document.StateFailed {
		errMsg = ""
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.DB.ExecContext(ctx,
		s.q(`UPDATE documents SET state = ?, error = ?, updated_at = ? WHERE id = ?`),
		string(state), errMsg, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return storeErr(err, "updating state of "+id)
	}
	return requireRow(res, id)
}

// SetContent records the size and content hash observed when the source
// was read.
func (s *Store) SetContent(ctx context.Context, id string, size int64, contentHash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.DB.ExecContext(ctx,
		s.q(`UPDATE documents SET size = ?, content_hash = ?, updated_at = ? WHERE id = ?`),
		size, contentHash, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return storeErr(err, "updating content of "+id)
	}
	return requireRow(res, id)
}

// DeleteDocument removes the document; its passages go with it.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		// explicit so the cascade holds even where foreign keys are off
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM passages WHERE document_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM documents WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return requireRow(res, id)
	})
	if errors.Is(err, apperrors.ErrDocumentNotFound) {
		return err
	}
	if err != nil {
		return storeErr(err, "deleting document "+id)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "counting affected rows")
	}
	if n == 0 {
		return documentNotFound(id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(s string) ([]string, error) {
	tags := []string{}
	if s == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return tags, nil
}

func encodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
