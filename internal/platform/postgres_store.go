package platform

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store over the platforms table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Platform, error) {
	pl := &Platform{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, COALESCE(deep_link_template, ''), COALESCE(logo_url, ''), active
		FROM platforms WHERE id = $1
	`, id).Scan(&pl.ID, &pl.Name, &pl.BaseURL, &pl.DeepLinkTemplate, &pl.LogoURL, &pl.Active)
	if err == sql.ErrNoRows {
		return nil, ErrPlatformNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get platform %d: %w", id, err)
	}
	return pl, nil
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Platform, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, base_url, COALESCE(deep_link_template, ''), COALESCE(logo_url, ''), active
		FROM platforms WHERE active = true ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var out []*Platform
	for rows.Next() {
		pl := &Platform{}
		if err := rows.Scan(&pl.ID, &pl.Name, &pl.BaseURL, &pl.DeepLinkTemplate, &pl.LogoURL, &pl.Active); err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}
