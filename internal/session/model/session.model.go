package model

import (
	"time"

	"gridcollab/internal/collab"
)

type SessionSummary struct {
	ID               string    `json:"id"`
	SchemaID         string    `json:"schemaId"`
	Name             string    `json:"name"`
	CreatedBy        string    `json:"createdBy"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	OnlineUsers      int       `json:"onlineUsers"`
	TotalUsers       int       `json:"totalUsers"`
	PendingConflicts int       `json:"pendingConflicts"`
}

type ResolveConflictRequest struct {
	SessionID  string `json:"sessionId" validate:"required"`
	ConflictID string `json:"conflictId" validate:"required"`
	Value      any    `json:"value"`
}

type UpdateSettingsRequest struct {
	MaxUsers                *int                   `json:"maxUsers" validate:"omitempty,gte=0"`
	AllowAnonymous          *bool                  `json:"allowAnonymous"`
	AutoSave                *bool                  `json:"autoSave"`
	AutoSaveIntervalSeconds *int                   `json:"autoSaveIntervalSeconds" validate:"omitempty,gte=1"`
	ConflictResolution      *collab.ConflictPolicy `json:"conflictResolution" validate:"omitempty,oneof=last-write-wins merge manual"`
	EnableCursorSync        *bool                  `json:"enableCursorSync"`
	EnableSelectionSync     *bool                  `json:"enableSelectionSync"`
}

// Apply overlays the fields present in the request onto current.
func (r UpdateSettingsRequest) Apply(current collab.Settings) collab.Settings {
	if r.MaxUsers != nil {
		current.MaxUsers = *r.MaxUsers
	}
	if r.AllowAnonymous != nil {
		current.AllowAnonymous = *r.AllowAnonymous
	}
	if r.AutoSave != nil {
		current.AutoSave = *r.AutoSave
	}
	if r.AutoSaveIntervalSeconds != nil {
		current.AutoSaveIntervalSeconds = *r.AutoSaveIntervalSeconds
	}
	if r.ConflictResolution != nil {
		current.ConflictResolution = *r.ConflictResolution
	}
	if r.EnableCursorSync != nil {
		current.EnableCursorSync = *r.EnableCursorSync
	}
	if r.EnableSelectionSync != nil {
		current.EnableSelectionSync = *r.EnableSelectionSync
	}
	return current
}

type DestroyResponse struct {
	SessionID string `json:"sessionId"`
	Destroyed bool   `json:"destroyed"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Database    string `json:"database"`
}
