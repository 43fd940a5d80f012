package records

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGRepo returns a Repository backed by the record_document table.
func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &docRepo{store: &pgStore{pool: pool}}
}

func (s *pgStore) get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM record_document WHERE kind = $1 AND id = $2`, string(kind), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *pgStore) put(ctx context.Context, kind Kind, id string, doc []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO record_document (kind, id, doc, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (kind, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		string(kind), id, string(doc),
	)
	return err
}

func (s *pgStore) remove(ctx context.Context, kind Kind, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM record_document WHERE kind = $1 AND id = $2`, string(kind), id)
	return err
}

func (s *pgStore) list(ctx context.Context, kind Kind) ([][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM record_document WHERE kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *pgStore) ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
