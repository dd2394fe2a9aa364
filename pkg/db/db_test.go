package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestErrorClassification(t *testing.T) {
	unique := &pgconn.PgError{Code: pgUniqueViolation}
	serialization := &pgconn.PgError{Code: pgSerializationFailure}
	deadlock := &pgconn.PgError{Code: pgDeadlockDetected}
	other := &pgconn.PgError{Code: "23503"}

	tests := []struct {
		name      string
		err       error
		unique    bool
		retryable bool
	}{
		{"nil", nil, false, false},
		{"plain", errors.New("boom"), false, false},
		{"unique violation", fmt.Errorf("create: %w", unique), true, false},
		{"gorm duplicate", gorm.ErrDuplicatedKey, true, false},
		{"serialization failure", fmt.Errorf("commit: %w", serialization), false, true},
		{"deadlock", deadlock, false, true},
		{"foreign key", other, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.unique, IsUniqueViolation(tt.err))
			require.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file::memory:"), Config())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(database) })
	return database
}

func TestSerializableRetries(t *testing.T) {
	database := openSQLite(t)
	ctx := context.Background()
	conflict := &pgconn.PgError{Code: pgSerializationFailure}

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Serializable(ctx, database, func(*gorm.DB) error {
			calls++
			if calls < 2 {
				return conflict
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 2, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Serializable(ctx, database, func(*gorm.DB) error {
			calls++
			return conflict
		})
		require.ErrorContains(t, err, "retries exhausted")
		require.True(t, IsRetryable(err))
		require.Equal(t, serializationRetries, calls)
	})

	t.Run("other errors return at once", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Serializable(ctx, database, func(*gorm.DB) error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		require.Equal(t, 1, calls)
	})
}

func TestPingAndMigrateArgs(t *testing.T) {
	require.NoError(t, Ping(context.Background(), openSQLite(t)))
	require.Error(t, Migrate(context.Background(), ""))

	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
