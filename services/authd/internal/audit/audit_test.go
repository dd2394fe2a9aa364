package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/storetest"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	ids      []string
	events   []Event
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject, id string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.ids = append(p.ids, id)
	if ev, ok := v.(Event); ok {
		p.events = append(p.events, ev)
	}
	return p.err
}

func TestRecorderWritesAndPublishes(t *testing.T) {
	database := storetest.Open(t)
	actor := storetest.CreateAccount(t, database, "admin@example.com", models.RoleAdmin)
	pub := &recordingPublisher{}

	rec := NewRecorder(database, Options{Publisher: pub, Logger: zerolog.Nop()})
	rec.Record(context.Background(), Entry{
		ActorID:    &actor.ID,
		TargetType: TargetUser,
		TargetID:   actor.ID.String(),
		Action:     ActionUserCreated,
		Summary:    "Created user clerk@example.com",
		Snapshot:   map[string]any{"email": "clerk@example.com", "role": "STAFF"},
	})
	require.NoError(t, rec.Close(context.Background()))

	var logs []models.AuditLog
	require.NoError(t, database.Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, ActionUserCreated, logs[0].Action)
	require.Equal(t, actor.ID, *logs[0].ActorID)
	require.Equal(t, "Created user clerk@example.com", *logs[0].Summary)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(logs[0].Snapshot, &snapshot))
	require.Equal(t, "STAFF", snapshot["role"])

	require.Equal(t, []string{"stockgate.audit.user_created"}, pub.subjects)
	require.Equal(t, []string{logs[0].ID.String()}, pub.ids)
	require.Equal(t, logs[0].ID, pub.events[0].ID)
}

func TestRecorderSwallowsFailures(t *testing.T) {
	database := storetest.Open(t)
	pub := &recordingPublisher{err: errors.New("nats down")}

	rec := NewRecorder(database, Options{Publisher: pub, Logger: zerolog.Nop()})
	rec.Record(context.Background(), Entry{TargetType: TargetUser, Action: ActionLogout})
	rec.Record(context.Background(), Entry{Action: "MISSING_TARGET"})
	require.NoError(t, rec.Close(context.Background()))

	var count int64
	require.NoError(t, database.Model(&models.AuditLog{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	// Recording after close is dropped instead of panicking.
	rec.Record(context.Background(), Entry{TargetType: TargetUser, Action: ActionLogout})
	require.NoError(t, rec.Close(context.Background()))
}

func TestRecorderWriteFailureDoesNotStopWorker(t *testing.T) {
	database := storetest.Open(t)
	rec := NewRecorder(database, Options{Logger: zerolog.Nop()})

	require.NoError(t, database.Migrator().DropTable(&models.AuditLog{}))
	rec.Record(context.Background(), Entry{TargetType: TargetUser, Action: ActionLogout})
	require.NoError(t, rec.Close(context.Background()))
}

func TestQueryList(t *testing.T) {
	database := storetest.Open(t)
	admin := storetest.CreateAccount(t, database, "admin@example.com", models.RoleAdmin)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	clock := base
	rec := NewRecorder(database, Options{Logger: zerolog.Nop(), Buffer: 32, Now: func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}})
	ghost := uuid.New()
	for i := 0; i < 5; i++ {
		rec.Record(context.Background(), Entry{ActorID: &admin.ID, TargetType: TargetUser, Action: ActionUserUpdated})
	}
	rec.Record(context.Background(), Entry{ActorID: &ghost, TargetType: "PRODUCT", Action: "PRODUCT_DELETED"})
	rec.Record(context.Background(), Entry{TargetType: TargetUser, Action: ActionLogout})
	require.NoError(t, rec.Close(context.Background()))

	q := NewQuery(database)
	ctx := context.Background()

	t.Run("newest first with actor", func(t *testing.T) {
		rows, err := q.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, rows, 7)
		require.Equal(t, ActionLogout, rows[0].Action)
		require.Nil(t, rows[0].ActorID)
		require.Nil(t, rows[0].ActorEmail)

		require.Equal(t, "PRODUCT_DELETED", rows[1].Action)
		require.Equal(t, ghost, *rows[1].ActorID)
		require.Nil(t, rows[1].ActorEmail)

		require.Equal(t, admin.Email, *rows[2].ActorEmail)
		for i := 1; i < len(rows); i++ {
			require.False(t, rows[i].CreatedAt.After(rows[i-1].CreatedAt))
		}
	})

	t.Run("filters", func(t *testing.T) {
		rows, err := q.List(ctx, Filter{TargetType: "PRODUCT"})
		require.NoError(t, err)
		require.Len(t, rows, 1)

		rows, err = q.List(ctx, Filter{ActorID: &admin.ID, Limit: 2})
		require.NoError(t, err)
		require.Len(t, rows, 2)
	})

	t.Run("before", func(t *testing.T) {
		rows, err := q.Before(ctx, base.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.True(t, rows[0].CreatedAt.Before(rows[1].CreatedAt))
	})
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{in: 0, want: DefaultLimit},
		{in: -3, want: DefaultLimit},
		{in: 10, want: 10},
		{in: 200, want: 200},
		{in: 5000, want: MaxLimit},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ClampLimit(tt.in))
	}
}
