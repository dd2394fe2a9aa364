package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog is an append-only record of a security relevant action. ActorID is
// a weak reference: entries outlive the accounts they mention.
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ActorID    *uuid.UUID `gorm:"type:uuid;index"`
	TargetType string     `gorm:"type:text;not null;index"`
	TargetID   *string    `gorm:"type:text"`
	Action     string     `gorm:"type:text;not null"`
	Summary    *string    `gorm:"type:text"`
	Metadata   datatypes.JSON
	Snapshot   datatypes.JSON
	CreatedAt  time.Time `gorm:"autoCreateTime;index"`
}

func (a *AuditLog) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// All lists the persistent models in dependency order.
func All() []any {
	return []any{
		&Account{},
		&Session{},
		&PendingVerification{},
		&AuditLog{},
	}
}
