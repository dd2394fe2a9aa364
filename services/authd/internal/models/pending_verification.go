package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PendingVerification is a login waiting for its one-time code. Its ID is the
// pending token handed to the client; only the code hash is stored.
type PendingVerification struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Email      string    `gorm:"type:text;not null;index"`
	CodeHash   string    `gorm:"type:text;not null"`
	ExpiresAt  time.Time `gorm:"not null;index"`
	UsedAt     *time.Time
	LastSentAt time.Time `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (p *PendingVerification) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p PendingVerification) Used() bool { return p.UsedAt != nil }

// Expired reports whether the record is past its expiry at now.
func (p PendingVerification) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
