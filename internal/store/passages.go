package store

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
	apperrors "github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/errors"
)

const passageColumns = `id, document_id, sequence_index, text, embedding, tags, start_offset, end_offset`

func scanPassage(row rowScanner) (document.Passage, error) {
	var (
		p    document.Passage
		emb  []byte
		tags string
	)
	if err := row.Scan(&p.ID, &p.DocumentID, &p.SequenceIndex, &p.Text, &emb, &tags, &p.StartOffset, &p.EndOffset); err != nil {
		return p, err
	}
	var err error
	if p.Embedding, err = decodeEmbedding(emb); err != nil {
		return p, err
	}
	if p.Tags, err = decodeTags(tags); err != nil {
		return p, err
	}
	return p, nil
}

// ReplacePassages deletes the document's passages and inserts the given
// ones in a single transaction. It returns the ids that were removed.
func (s *Store) ReplacePassages(ctx context.Context, documentID string, passages []document.Passage) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var removed []string
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = passageIDs(ctx, tx, s.q(`SELECT id FROM passages WHERE document_id = ? ORDER BY sequence_index`), documentID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM passages WHERE document_id = ?`), documentID); err != nil {
			return err
		}
		if len(passages) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO passages (`+passageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range passages {
			tags, err := encodeTags(p.Tags)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, p.ID, documentID, p.SequenceIndex, p.Text,
				encodeEmbedding(p.Embedding), tags, p.StartOffset, p.EndOffset); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "replacing passages of "+documentID)
	}
	return removed, nil
}

// DeletePassages removes every passage of the document and returns their
// ids.
func (s *Store) DeletePassages(ctx context.Context, documentID string) ([]string, error) {
	return s.ReplacePassages(ctx, documentID, nil)
}

// PassageIDs lists the document's passage ids in sequence order.
func (s *Store) PassageIDs(ctx context.Context, documentID string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ids, err := passageIDs(ctx, s.db.DB, s.q(`SELECT id FROM passages WHERE document_id = ? ORDER BY sequence_index`), documentID)
	if err != nil {
		return nil, storeErr(err, "listing passages of "+documentID)
	}
	return ids, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func passageIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPassages returns the document's passages ordered by sequence index.
func (s *Store) GetPassages(ctx context.Context, documentID string) ([]document.Passage, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.queryPassages(ctx, `SELECT `+passageColumns+` FROM passages WHERE document_id = ? ORDER BY sequence_index`, documentID)
}

// GetPassagesByID loads passages by id. Unknown ids are absent from the
// result.
func (s *Store) GetPassagesByID(ctx context.Context, ids []string) (map[string]document.Passage, error) {
	out := make(map[string]document.Passage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	uniq := unique(ids)
	passages, err := s.queryPassages(ctx,
		`SELECT `+passageColumns+` FROM passages WHERE id IN (`+placeholders(len(uniq))+`)`, anySlice(uniq)...)
	if err != nil {
		return nil, err
	}
	for _, p := range passages {
		out[p.ID] = p
	}
	return out, nil
}

func (s *Store) GetPassage(ctx context.Context, id string) (document.Passage, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	p, err := scanPassage(s.db.DB.QueryRowContext(ctx, s.q(`SELECT `+passageColumns+` FROM passages WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, apperrors.Newf(apperrors.ErrPassageNotFound, http.StatusNotFound, "passage %s not found", id)
	}
	if err != nil {
		return p, storeErr(err, "loading passage "+id)
	}
	return p, nil
}

func (s *Store) queryPassages(ctx context.Context, query string, args ...any) ([]document.Passage, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeErr(err, "querying passages")
	}
	defer rows.Close()
	passages := make([]document.Passage, 0)
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, storeErr(err, "scanning passage")
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterating passages")
	}
	return passages, nil
}

// SetEmbeddings attaches embeddings to passages, keyed by passage id.
func (s *Store) SetEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.q(`UPDATE passages SET embedding = ? WHERE id = ?`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for id, vec := range embeddings {
			if _, err := stmt.ExecContext(ctx, encodeEmbedding(vec), id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr(err, "storing embeddings")
	}
	return nil
}

// SetPassageTags replaces a passage's tags and returns the updated passage.
func (s *Store) SetPassageTags(ctx context.Context, id string, tags []string) (document.Passage, error) {
	encoded, err := encodeTags(tags)
	if err != nil {
		return document.Passage{}, apperrors.Wrap(apperrors.ErrInvalidInput, err, "tags")
	}
	boundCtx, cancel := s.bound(ctx)
	res, err := s.db.DB.ExecContext(boundCtx, s.q(`UPDATE passages SET tags = ? WHERE id = ?`), encoded, id)
	cancel()
	if err != nil {
		return document.Passage{}, storeErr(err, "updating tags of "+id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return document.Passage{}, apperrors.Newf(apperrors.ErrPassageNotFound, http.StatusNotFound, "passage %s not found", id)
	}
	return s.GetPassage(ctx, id)
}
