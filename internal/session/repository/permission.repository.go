package repository

import (
	"context"
	"database/sql"
	"errors"

	"gridcollab/pkg/logger"
)

// PermissionRepository reads schema ownership and collaborator roles.
type PermissionRepository struct {
	DB *sql.DB
}

func NewPermissionRepository(db *sql.DB) *PermissionRepository {
	return &PermissionRepository{DB: db}
}

// GetOwnerID returns the owner of a schema, or "" when the schema is not
// registered.
func (r *PermissionRepository) GetOwnerID(ctx context.Context, schemaID string) (string, error) {
	var ownerID string
	err := r.DB.QueryRowContext(ctx, "SELECT owner_id FROM schemas WHERE id = $1", schemaID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner ID for schema %s: %v", schemaID, err)
		return "", err
	}
	return ownerID, nil
}

// GetCollaboratorRole returns the role granted to userID on a schema, or ""
// when there is none.
func (r *PermissionRepository) GetCollaboratorRole(ctx context.Context, schemaID, userID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, "SELECT role FROM collaborators WHERE schema_id = $1 AND user_id = $2", schemaID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get collaborator role: %v", err)
		return "", err
	}
	return role, nil
}

// Ping reports whether the database answers.
func (r *PermissionRepository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}
