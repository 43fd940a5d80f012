package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteRepo opens (creating if needed) an embedded document store at path.
// The returned close func releases the database handle.
func NewSQLiteRepo(path string) (Repository, func() error, error) {
	if path == "" {
		path = "hospital-ops.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; sqlite serializes writes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS record_document (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		doc TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, id)
	)`); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create record_document table: %w", err)
	}
	return &docRepo{store: &sqliteStore{db: db}}, db.Close, nil
}

func (s *sqliteStore) get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM record_document WHERE kind = ? AND id = ?`, string(kind), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (s *sqliteStore) put(ctx context.Context, kind Kind, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO record_document(kind, id, doc, updated_at)
		VALUES(?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		string(kind), id, string(doc))
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *sqliteStore) remove(ctx context.Context, kind Kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM record_document WHERE kind = ? AND id = ?`, string(kind), id)
	return err
}

func (s *sqliteStore) list(ctx context.Context, kind Kind) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM record_document WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}

func (s *sqliteStore) ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
