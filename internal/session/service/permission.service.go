package service

import (
	"context"
	"fmt"

	"gridcollab/internal/collab"
	"gridcollab/internal/session/repository"
)

// PermissionService resolves what a user may do in a session's schema. The
// schema owner is a writer, collaborators get their stored role, everyone
// else gets the default role. Without a repository everyone gets the default.
type PermissionService struct {
	Repo        *repository.PermissionRepository
	DefaultRole string
}

func NewPermissionService(repo *repository.PermissionRepository, defaultRole string) *PermissionService {
	return &PermissionService{Repo: repo, DefaultRole: defaultRole}
}

func (s *PermissionService) Permissions(ctx context.Context, schemaID, userID string) ([]collab.Permission, error) {
	role, err := s.role(ctx, schemaID, userID)
	if err != nil {
		return nil, err
	}
	perms, ok := collab.RolePermissions(role)
	if !ok {
		return nil, fmt.Errorf("unknown role %q for %s on %s", role, userID, schemaID)
	}
	return perms, nil
}

func (s *PermissionService) role(ctx context.Context, schemaID, userID string) (string, error) {
	if s.Repo == nil {
		return s.DefaultRole, nil
	}

	ownerID, err := s.Repo.GetOwnerID(ctx, schemaID)
	if err != nil {
		return "", fmt.Errorf("get owner of %s: %w", schemaID, err)
	}
	if ownerID != "" && ownerID == userID {
		return collab.RoleWriter, nil
	}

	role, err := s.Repo.GetCollaboratorRole(ctx, schemaID, userID)
	if err != nil {
		return "", fmt.Errorf("get role of %s on %s: %w", userID, schemaID, err)
	}
	if role == "" {
		return s.DefaultRole, nil
	}
	return role, nil
}
