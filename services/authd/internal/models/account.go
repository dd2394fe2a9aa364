package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Account is a staff or admin identity allowed to sign in.
type Account struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"type:text;uniqueIndex;not null"`
	PasswordHash string    `gorm:"type:text;not null"`
	Role         Role      `gorm:"type:text;not null;index"`
	Name         *string   `gorm:"type:text"`
	IsActive     bool      `gorm:"not null"`
	LastLoginAt  *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`

	Sessions             []Session             `gorm:"constraint:OnDelete:CASCADE"`
	PendingVerifications []PendingVerification `gorm:"constraint:OnDelete:CASCADE"`
}

func (a *Account) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// IsActiveAdmin reports whether the account counts towards the admin quorum.
func (a Account) IsActiveAdmin() bool {
	return a.IsActive && a.Role == RoleAdmin
}
