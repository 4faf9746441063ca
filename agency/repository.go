package agency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested agency does not exist.
var ErrNotFound = errors.New("agency: not found")

// Repository provides read access to agencies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches an agency by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Agency, error) {
	const query = `
		SELECT id::text, name, kind, created_at
		FROM agencies
		WHERE id = $1::uuid
	`

	var a Agency
	err := r.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Name, &a.Kind, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agency{}, ErrNotFound
		}
		return Agency{}, fmt.Errorf("agency: query by id: %w", err)
	}
	return a, nil
}

// List fetches up to limit agencies ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Agency, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id::text, name, kind, created_at
		FROM agencies
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("agency: list: %w", err)
	}
	defer rows.Close()

	agencies := make([]Agency, 0, limit)
	for rows.Next() {
		var a Agency
		if err := rows.Scan(&a.ID, &a.Name, &a.Kind, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("agency: scan: %w", err)
		}
		agencies = append(agencies, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agency: iterate: %w", err)
	}
	return agencies, nil
}
