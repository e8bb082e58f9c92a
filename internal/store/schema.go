package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/pkg/sqldb"
)

// Timestamps are unix nanoseconds in both dialects; tags are a JSON array
// stored as text; embeddings are little-endian float32 bytes.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	source_ref   TEXT NOT NULL,
	format       TEXT NOT NULL,
	state        TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_state_idx ON documents (state);
CREATE TABLE IF NOT EXISTS passages (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
	sequence_index INTEGER NOT NULL,
	text           TEXT NOT NULL,
	embedding      %s,
	tags           TEXT NOT NULL DEFAULT '[]',
	start_offset   INTEGER NOT NULL,
	end_offset     INTEGER NOT NULL,
	UNIQUE (document_id, sequence_index)
);
CREATE INDEX IF NOT EXISTS passages_document_idx ON passages (document_id);
`

func schema(dialect sqldb.Dialect) string {
	blob := "BLOB"
	if dialect == sqldb.Postgres {
		blob = "BYTEA"
	}
	return fmt.Sprintf(schemaTemplate, blob)
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.db.DB.ExecContext(ctx, schema(s.db.Dialect)); err != nil {
		return storeErr(err, "migrating schema")
	}
	s.logger.Info("schema ready", "dialect", s.db.Dialect)
	return nil
}

// Open connects to the configured database and migrates it.
func Open(ctx context.Context, cfg config.DatabaseConfig, timeout time.Duration) (*Store, *sqldb.Client, error) {
	db, err := sqldb.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	s := New(db, timeout)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}
