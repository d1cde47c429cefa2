package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benwis/oso/internal/entities"
	"github.com/benwis/oso/internal/repositories"
)

// PostgresPolicyRepository implements PolicyRepository using PostgreSQL
type PostgresPolicyRepository struct {
	db *sql.DB
}

// NewPostgresPolicyRepository creates a new PostgreSQL policy repository
func NewPostgresPolicyRepository(db *sql.DB) repositories.PolicyRepository {
	return &PostgresPolicyRepository{db: db}
}

// Save stores a new policy revision
func (r *PostgresPolicyRepository) Save(ctx context.Context, version *entities.PolicyVersion) error {
	query := `
		INSERT INTO policies (generation, source, created_at)
		VALUES ($1, $2, $3)
	`
	createdAt := version.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, query, version.Generation, version.Source, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save policy revision: %w", err)
	}
	return nil
}

// Latest retrieves the most recently stored revision
func (r *PostgresPolicyRepository) Latest(ctx context.Context) (*entities.PolicyVersion, error) {
	query := `
		SELECT generation, source, created_at
		FROM policies
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	version := &entities.PolicyVersion{}
	err := r.db.QueryRowContext(ctx, query).Scan(&version.Generation, &version.Source, &version.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repositories.ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest policy: %w", err)
	}
	return version, nil
}

// History retrieves up to limit revisions, newest first
func (r *PostgresPolicyRepository) History(ctx context.Context, limit int) ([]*entities.PolicyVersion, error) {
	query := `
		SELECT generation, source, created_at
		FROM policies
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy history: %w", err)
	}
	defer rows.Close()

	var versions []*entities.PolicyVersion
	for rows.Next() {
		version := &entities.PolicyVersion{}
		if err := rows.Scan(&version.Generation, &version.Source, &version.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy revision: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policy history: %w", err)
	}
	return versions, nil
}
