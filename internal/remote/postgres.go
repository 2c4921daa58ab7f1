package remote

import (
	"context"
	"database/sql"
	"errors"
)

// Postgres keeps remote documents as rows of (collection, document, field).
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a document store on db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the backing table.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS remote_documents (
			collection TEXT NOT NULL,
			document   TEXT NOT NULL,
			field      TEXT NOT NULL,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, document, field)
		)
	`)
	return err
}

func (p *Postgres) GetField(ctx context.Context, collection, document, field string) ([]byte, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT value FROM remote_documents
		WHERE collection = $1 AND document = $2 AND field = $3
	`, collection, document, field)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (p *Postgres) AddOrUpdateField(ctx context.Context, collection, document, field string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO remote_documents (collection, document, field, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, document, field) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`, collection, document, field, value)
	return err
}

func (p *Postgres) RemoveField(ctx context.Context, collection, document, field string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM remote_documents
		WHERE collection = $1 AND document = $2 AND field = $3
	`, collection, document, field)
	return err
}
