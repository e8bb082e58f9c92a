package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"

	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/sqldb"
)

const DefaultTable = "passage_vectors"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PGVector keeps vectors in a PostgreSQL table with the pgvector extension.
// Search uses the cosine distance operator <=>.
type PGVector struct {
	client  *sqldb.Client
	table   string
	dims    int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPGVector returns a pgvector index over table. dims must match the
// embedding model.
func NewPGVector(client *sqldb.Client, table string, dims int, m *metrics.Metrics) (*PGVector, error) {
	if client.Dialect != sqldb.Postgres {
		return nil, fmt.Errorf("pgvector requires postgres, got %s", client.Dialect)
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid vector table name %q", table)
	}
	if dims <= 0 {
		return nil, fmt.Errorf("pgvector needs a positive dimension, got %d", dims)
	}
	return &PGVector{
		client:  client,
		table:   table,
		dims:    dims,
		metrics: metrics.OrNop(m),
		logger:  slog.Default().With("component", "vector-index", "backend", "pgvector"),
	}, nil
}

// EnsureSchema creates the extension and table if they do not exist.
func (p *PGVector) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	sequence_index INTEGER NOT NULL,
	tags           JSONB NOT NULL DEFAULT '[]'::jsonb,
	embedding      vector(%d) NOT NULL
)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.client.DB.ExecContext(ctx, stmt); err != nil {
			return apperrors.Wrap(apperrors.ErrIndex, err, "creating pgvector schema")
		}
	}
	p.logger.Info("pgvector schema ready", "table", p.table, "dims", p.dims)
	return nil
}

func (p *PGVector) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if _, err := validateEntries(entries, p.dims); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, document_id, sequence_index, tags, embedding)
VALUES ($1, $2, $3, $4::jsonb, $5::vector)
ON CONFLICT (id) DO UPDATE
SET document_id    = EXCLUDED.document_id,
    sequence_index = EXCLUDED.sequence_index,
    tags           = EXCLUDED.tags,
    embedding      = EXCLUDED.embedding`, p.table)

	err := p.client.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			tags, err := json.Marshal(nonNil(e.Tags))
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, e.ID, e.DocumentID, e.SequenceIndex, string(tags), formatVector(e.Vector)); err != nil {
				return fmt.Errorf("upsert vector %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrIndex, err, "adding vectors")
	}
	p.refreshGauge(ctx)
	return nil
}

func (p *PGVector) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, malformed("top_k must be positive, got %d", topK)
	}
	if err := validateVector(vector, p.dims); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT id, document_id, sequence_index, tags, embedding <=> $1::vector AS distance
FROM %s
ORDER BY distance ASC, id ASC
LIMIT $2`, p.table)

	rows, err := p.client.DB.QueryContext(ctx, query, formatVector(vector), topK)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIndex, err, "querying vectors")
	}
	defer rows.Close()

	hits := make([]Hit, 0, topK)
	for rows.Next() {
		var (
			h        Hit
			tags     []byte
			distance sql.NullFloat64
		)
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.SequenceIndex, &tags, &distance); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrIndex, err, "scanning vector row")
		}
		if err := json.Unmarshal(tags, &h.Tags); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrIndex, err, "decoding tags for "+h.ID)
		}
		// zero vectors yield NaN or NULL
		d := 1.0
		if distance.Valid && !math.IsNaN(distance.Float64) {
			d = distance.Float64
		}
		h.Score = Similarity(d)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIndex, err, "iterating vector rows")
	}
	return hits, nil
}

func (p *PGVector) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.table)
	if _, err := p.client.DB.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return apperrors.Wrap(apperrors.ErrIndex, err, "deleting vectors")
	}
	p.refreshGauge(ctx)
	return nil
}

func (p *PGVector) GetVector(ctx context.Context, id string) ([]float32, bool, error) {
	query := fmt.Sprintf(`SELECT embedding::text FROM %s WHERE id = $1`, p.table)
	var text string
	err := p.client.DB.QueryRowContext(ctx, query, id).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrIndex, err, "reading vector "+id)
	}
	vec, err := parseVector(text)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrIndex, err, "parsing vector "+id)
	}
	return vec, true, nil
}

func (p *PGVector) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.client.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrIndex, err, "counting vectors")
	}
	return n, nil
}

func (p *PGVector) refreshGauge(ctx context.Context) {
	n, err := p.Len(ctx)
	if err != nil {
		p.logger.Warn("refreshing entry gauge failed", "error", err)
		return
	}
	p.metrics.VectorIndexEntries.Set(float64(n))
}

// formatVector renders v in pgvector's text input form, e.g. [1,0.5,-2].
func formatVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
