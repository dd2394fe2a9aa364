// Package storetest opens throwaway sqlite-backed gorm databases for tests.
package storetest

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"stockgate/pkg/db"
	"stockgate/services/authd/internal/models"
)

// Open returns a migrated database that is closed when t finishes. The pool is
// limited to one connection so code under test must only use tx inside a transaction.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stockgate.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", path)

	database, err := gorm.Open(sqlite.Open(dsn), db.Config())
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.AutoMigrate(models.All()...))

	t.Cleanup(func() { _ = sqlDB.Close() })
	return database
}

// Password is the plaintext used for every account created by CreateAccount.
const Password = "correct horse battery"

// CreateAccount inserts an active account with the given role.
func CreateAccount(t testing.TB, database *gorm.DB, email string, role models.Role) models.Account {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	require.NoError(t, err)

	account := models.Account{
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	}
	require.NoError(t, database.Create(&account).Error)
	return account
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
