package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/models"
)

type userView struct {
	ID          uuid.UUID   `json:"id"`
	Email       string      `json:"email"`
	Role        models.Role `json:"role"`
	Name        *string     `json:"name"`
	IsActive    bool        `json:"isActive"`
	LastLoginAt *time.Time  `json:"lastLoginAt"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func newUserView(a models.Account) userView {
	return userView{
		ID:          a.ID,
		Email:       a.Email,
		Role:        a.Role,
		Name:        a.Name,
		IsActive:    a.IsActive,
		LastLoginAt: a.LastLoginAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

type actorView struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  *string   `json:"name"`
}

type auditLogView struct {
	ID         uuid.UUID       `json:"id"`
	TargetType string          `json:"targetType"`
	TargetID   *string         `json:"targetId"`
	Action     string          `json:"action"`
	Summary    *string         `json:"summary"`
	Metadata   json.RawMessage `json:"metadata"`
	Snapshot   json.RawMessage `json:"snapshot"`
	CreatedAt  time.Time       `json:"createdAt"`
	Actor      *actorView      `json:"actor"`
}

var jsonNull = json.RawMessage("null")

func newAuditLogView(row audit.Row) auditLogView {
	v := auditLogView{
		ID:         row.ID,
		TargetType: row.TargetType,
		TargetID:   row.TargetID,
		Action:     row.Action,
		Summary:    row.Summary,
		Metadata:   row.RawMetadata(),
		Snapshot:   row.RawSnapshot(),
		CreatedAt:  row.CreatedAt,
	}
	if len(v.Metadata) == 0 {
		v.Metadata = jsonNull
	}
	if len(v.Snapshot) == 0 {
		v.Snapshot = jsonNull
	}
	// The actor may have been deleted since the entry was written.
	if row.ActorID != nil && row.ActorEmail != nil {
		v.Actor = &actorView{ID: *row.ActorID, Email: *row.ActorEmail, Name: row.ActorName}
	}
	return v
}
