package build

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresMirror copies record snapshots into Postgres for dashboards. The
// build directory stays the source of truth; the table is never read back.
type PostgresMirror struct {
	db *sql.DB
}

func NewPostgresMirror(conn string) (*PostgresMirror, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	m := NewPostgresMirrorDB(db)
	if err := m.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// NewPostgresMirrorDB wraps an already opened database.
func NewPostgresMirrorDB(db *sql.DB) *PostgresMirror {
	return &PostgresMirror{db: db}
}

func (m *PostgresMirror) EnsureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS wbld_builds (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    state TEXT NOT NULL,
    env TEXT NOT NULL,
    version TEXT NOT NULL,
    sha1 TEXT NOT NULL,
    snippet TEXT,
    author_id TEXT,
    author_name TEXT,
    duration_seconds DOUBLE PRECISION,
    updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (m *PostgresMirror) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// RecordSaved upserts the snapshot.
func (m *PostgresMirror) RecordSaved(s Snapshot) error {
	query := `INSERT INTO wbld_builds (id, kind, state, env, version, sha1, snippet, author_id, author_name, duration_seconds, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    author_id = EXCLUDED.author_id,
    author_name = EXCLUDED.author_name,
    duration_seconds = EXCLUDED.duration_seconds,
    updated_at = EXCLUDED.updated_at`

	var snippet, authorID, authorName sql.NullString
	if s.Snippet != "" {
		snippet = sql.NullString{String: s.Snippet, Valid: true}
	}
	if s.Author != nil {
		authorID = sql.NullString{String: s.Author.ID, Valid: true}
		authorName = sql.NullString{String: s.Author.Name, Valid: true}
	}
	var duration sql.NullFloat64
	if s.Duration != nil {
		duration = sql.NullFloat64{Float64: *s.Duration, Valid: true}
	}

	_, err := m.db.Exec(query,
		s.ID,
		s.Kind.String(),
		s.State.String(),
		s.Env,
		s.Version,
		s.SHA1,
		snippet,
		authorID,
		authorName,
		duration,
		time.Now().UTC(),
	)
	return err
}
