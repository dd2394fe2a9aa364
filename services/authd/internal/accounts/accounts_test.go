package accounts

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/otp"
	"stockgate/services/authd/internal/password"
	"stockgate/services/authd/internal/session"
	"stockgate/services/authd/internal/storetest"
)

type memAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAuditor) Record(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memAuditor) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	audit    *memAuditor
	sessions *session.Issuer
	codes    *otp.Engine
	admin    models.Account
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	database := storetest.Open(t)
	clock := storetest.NewClock()

	sessions, err := session.New(database, session.Options{Secret: "test-secret", Now: clock.Now})
	require.NoError(t, err)
	codes := otp.New(database, otp.Options{Now: clock.Now})
	aud := &memAuditor{}

	svc, err := New(Deps{
		DB:       database,
		Hasher:   password.NewBcrypt(4),
		Sessions: sessions,
		Codes:    codes,
		Audit:    aud,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	return fixture{
		svc:      svc,
		db:       database,
		audit:    aud,
		sessions: sessions,
		codes:    codes,
		admin:    storetest.CreateAccount(t, database, "admin@example.com", models.RoleAdmin),
	}
}

func ptr[T any](v T) *T { return &v }

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, &f.admin.ID, CreateInput{
		Email:    "  clerk@example.com ",
		Password: "hunter22",
		Role:     " staff ",
		Name:     ptr("Clerk"),
	})
	require.NoError(t, err)
	require.Equal(t, "clerk@example.com", created.Email)
	require.Equal(t, models.RoleStaff, created.Role)
	require.True(t, created.IsActive)
	require.NotEqual(t, "hunter22", created.PasswordHash)
	require.True(t, password.NewBcrypt(4).Compare(created.PasswordHash, "hunter22"))

	require.Equal(t, []string{audit.ActionUserCreated}, f.audit.actions())
	entry := f.audit.entries[0]
	require.Equal(t, "Created user clerk@example.com", entry.Summary)
	require.Equal(t, created.ID.String(), entry.TargetID)
	require.Equal(t, true, entry.Snapshot["isActive"])
}

func TestCreateRejects(t *testing.T) {
	tests := []struct {
		name string
		in   CreateInput
		err  error
	}{
		{name: "missing email", in: CreateInput{Password: "x", Role: "STAFF"}, err: ErrMissingFields},
		{name: "missing password", in: CreateInput{Email: "a@example.com", Role: "STAFF"}, err: ErrMissingFields},
		{name: "missing role", in: CreateInput{Email: "a@example.com", Password: "x"}, err: ErrMissingFields},
		{name: "unknown role", in: CreateInput{Email: "a@example.com", Password: "x", Role: "OWNER"}, err: models.ErrInvalidRole},
		{name: "duplicate email", in: CreateInput{Email: "admin@example.com", Password: "x", Role: "STAFF"}, err: ErrEmailInUse},
		{name: "password too long", in: CreateInput{Email: "a@example.com", Password: strings.Repeat("a", 80), Role: "STAFF"}, err: password.ErrTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), &f.admin.ID, tt.in)
			require.ErrorIs(t, err, tt.err)
			require.Empty(t, f.audit.actions())
		})
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, &f.admin.ID, CreateInput{Email: "pat@example.com", Password: "x", Role: "STAFF", Name: ptr("Pat Doe")})
	require.NoError(t, err)
	gone, err := f.svc.Create(ctx, &f.admin.ID, CreateInput{Email: "sam@example.com", Password: "x", Role: "STAFF"})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, &f.admin.ID, gone.ID, UpdateInput{IsActive: ptr(false)})
	require.NoError(t, err)

	emails := func(list []models.Account) []string {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Email)
		}
		return out
	}

	active, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"admin@example.com", "pat@example.com"}, emails(active))

	all, err := f.svc.List(ctx, ListFilter{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	byName, err := f.svc.List(ctx, ListFilter{Search: "DOE"})
	require.NoError(t, err)
	require.Equal(t, []string{"pat@example.com"}, emails(byName))

	byEmail, err := f.svc.List(ctx, ListFilter{Search: "SAM@", IncludeInactive: true})
	require.NoError(t, err)
	require.Equal(t, []string{"sam@example.com"}, emails(byEmail))

	wildcard, err := f.svc.List(ctx, ListFilter{Search: "%"})
	require.NoError(t, err)
	require.Empty(t, wildcard)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	got, err := f.svc.Get(context.Background(), f.admin.ID)
	require.NoError(t, err)
	require.Equal(t, f.admin.Email, got.Email)

	_, err = f.svc.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clerk := storetest.CreateAccount(t, f.db, "clerk@example.com", models.RoleStaff)

	updated, err := f.svc.Update(ctx, &f.admin.ID, clerk.ID, UpdateInput{
		Email:    ptr("clerk2@example.com"),
		Name:     ptr("Clerk Two"),
		Role:     ptr("admin"),
		Password: ptr("new-password"),
	})
	require.NoError(t, err)
	require.Equal(t, "clerk2@example.com", updated.Email)
	require.Equal(t, "Clerk Two", *updated.Name)
	require.Equal(t, models.RoleAdmin, updated.Role)
	require.True(t, password.NewBcrypt(4).Compare(updated.PasswordHash, "new-password"))

	// Blank email, role and password leave the stored values alone.
	same, err := f.svc.Update(ctx, &f.admin.ID, clerk.ID, UpdateInput{Email: ptr(""), Role: ptr(""), Password: ptr("")})
	require.NoError(t, err)
	require.Equal(t, "clerk2@example.com", same.Email)
	require.Equal(t, models.RoleAdmin, same.Role)
	require.Equal(t, updated.PasswordHash, same.PasswordHash)

	require.Equal(t, []string{audit.ActionUserUpdated, audit.ActionUserUpdated}, f.audit.actions())
	require.Equal(t, "Updated user clerk2@example.com", f.audit.entries[0].Summary)
}

func TestUpdateRejects(t *testing.T) {
	tests := []struct {
		name  string
		in    UpdateInput
		err   error
		other bool
	}{
		{name: "self deactivate", in: UpdateInput{IsActive: ptr(false)}, err: ErrSelfDeactivate},
		{name: "self demote", in: UpdateInput{Role: ptr("STAFF")}, err: ErrSelfDemote},
		{name: "invalid role", in: UpdateInput{Role: ptr("owner")}, err: models.ErrInvalidRole, other: true},
		{name: "duplicate email", in: UpdateInput{Email: ptr("admin@example.com")}, err: ErrEmailInUse, other: true},
		{name: "password too long", in: UpdateInput{Password: ptr(strings.Repeat("a", 73))}, err: password.ErrTooLong, other: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			target := f.admin.ID
			if tt.other {
				target = storetest.CreateAccount(t, f.db, "clerk@example.com", models.RoleStaff).ID
			}
			_, err := f.svc.Update(context.Background(), &f.admin.ID, target, tt.in)
			require.ErrorIs(t, err, tt.err)
			require.Empty(t, f.audit.actions())
		})
	}

	t.Run("unknown account", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Update(context.Background(), &f.admin.ID, uuid.New(), UpdateInput{Name: ptr("x")})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateLastAdminGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Operator tooling has no actor, so only the last-admin guard applies.
	_, err := f.svc.Update(ctx, nil, f.admin.ID, UpdateInput{Role: ptr("STAFF")})
	require.ErrorIs(t, err, ErrLastAdmin)
	_, err = f.svc.Update(ctx, nil, f.admin.ID, UpdateInput{IsActive: ptr(false)})
	require.ErrorIs(t, err, ErrLastAdmin)

	second := storetest.CreateAccount(t, f.db, "second@example.com", models.RoleAdmin)
	demoted, err := f.svc.Update(ctx, &second.ID, f.admin.ID, UpdateInput{Role: ptr("STAFF")})
	require.NoError(t, err)
	require.Equal(t, models.RoleStaff, demoted.Role)

	_, err = f.svc.Update(ctx, &f.admin.ID, second.ID, UpdateInput{IsActive: ptr(false)})
	require.ErrorIs(t, err, ErrLastAdmin)
}

func TestDeactivateRevokesCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clerk := storetest.CreateAccount(t, f.db, "clerk@example.com", models.RoleStaff)

	issued, err := f.sessions.Issue(ctx, clerk)
	require.NoError(t, err)
	pending, err := f.codes.Issue(ctx, clerk)
	require.NoError(t, err)

	updated, err := f.svc.Update(ctx, &f.admin.ID, clerk.ID, UpdateInput{IsActive: ptr(false)})
	require.NoError(t, err)
	require.False(t, updated.IsActive)

	_, err = f.sessions.Verify(ctx, issued.Token)
	require.ErrorIs(t, err, session.ErrUnauthorized)
	_, err = f.codes.Verify(ctx, pending.Record.ID.String(), pending.Code)
	require.ErrorIs(t, err, otp.ErrInvalidRequest)

	var sessions int64
	require.NoError(t, f.db.Model(&models.Session{}).Where("account_id = ?", clerk.ID).Count(&sessions).Error)
	require.Zero(t, sessions)
}

func TestEmailChangeDropsPendingCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clerk := storetest.CreateAccount(t, f.db, "clerk@example.com", models.RoleStaff)

	issued, err := f.sessions.Issue(ctx, clerk)
	require.NoError(t, err)
	pending, err := f.codes.Issue(ctx, clerk)
	require.NoError(t, err)

	updated, err := f.svc.Update(ctx, &f.admin.ID, clerk.ID, UpdateInput{Email: ptr("clerk@stores.example.com")})
	require.NoError(t, err)
	require.Equal(t, "clerk@stores.example.com", updated.Email)

	_, err = f.codes.Verify(ctx, pending.Record.ID.String(), pending.Code)
	require.ErrorIs(t, err, otp.ErrInvalidRequest)

	var live int64
	require.NoError(t, f.db.Model(&models.PendingVerification{}).Where("account_id = ?", clerk.ID).Count(&live).Error)
	require.Zero(t, live)

	// Sessions survive an address change.
	_, err = f.sessions.Verify(ctx, issued.Token)
	require.NoError(t, err)

	// Renaming alone keeps a pending code usable.
	pending, err = f.codes.Issue(ctx, updated)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, &f.admin.ID, clerk.ID, UpdateInput{Name: ptr("Clerk")})
	require.NoError(t, err)
	_, err = f.codes.Verify(ctx, pending.Record.ID.String(), pending.Code)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clerk := storetest.CreateAccount(t, f.db, "clerk@example.com", models.RoleStaff)

	_, err := f.sessions.Issue(ctx, clerk)
	require.NoError(t, err)
	_, err = f.codes.Issue(ctx, clerk)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, &f.admin.ID, clerk.ID))

	_, err = f.svc.Get(ctx, clerk.ID)
	require.ErrorIs(t, err, ErrNotFound)
	for _, m := range []any{&models.Session{}, &models.PendingVerification{}} {
		var n int64
		require.NoError(t, f.db.Model(m).Where("account_id = ?", clerk.ID).Count(&n).Error)
		require.Zero(t, n)
	}

	require.Equal(t, []string{audit.ActionUserDeleted}, f.audit.actions())
	entry := f.audit.entries[0]
	require.Equal(t, "Deleted user clerk@example.com", entry.Summary)
	require.NotContains(t, entry.Snapshot, "isActive")

	require.ErrorIs(t, f.svc.Delete(ctx, &f.admin.ID, clerk.ID), ErrNotFound)
}

func TestDeleteRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.svc.Delete(ctx, &f.admin.ID, f.admin.ID), ErrSelfDelete)
	// Self-delete wins even for an id that does not exist.
	ghost := uuid.New()
	require.ErrorIs(t, f.svc.Delete(ctx, &ghost, ghost), ErrSelfDelete)

	require.ErrorIs(t, f.svc.Delete(ctx, nil, f.admin.ID), ErrLastAdminDelete)

	// An inactive admin is not protected by the guard.
	idle := storetest.CreateAccount(t, f.db, "idle@example.com", models.RoleAdmin)
	require.NoError(t, f.db.Model(&idle).Update("is_active", false).Error)
	require.NoError(t, f.svc.Delete(ctx, &f.admin.ID, idle.ID))
}

func TestConcurrentDemotionsKeepAnAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	second := storetest.CreateAccount(t, f.db, "second@example.com", models.RoleAdmin)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{f.admin.ID, second.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Update(ctx, nil, id, UpdateInput{Role: ptr("STAFF")})
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrLastAdmin)
			failed++
		}
	}
	require.Equal(t, 1, failed)

	var admins int64
	require.NoError(t, f.db.Model(&models.Account{}).Where("role = ? AND is_active = ?", models.RoleAdmin, true).Count(&admins).Error)
	require.EqualValues(t, 1, admins)
}

func TestEnsureBootstrapAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.EnsureBootstrapAdmin(ctx, "root@example.com", "pw", "Root")
	require.NoError(t, err)
	require.False(t, created, "accounts already exist")

	require.NoError(t, f.db.Where("1 = 1").Delete(&models.Account{}).Error)

	created, err = f.svc.EnsureBootstrapAdmin(ctx, "", "pw", "")
	require.NoError(t, err)
	require.False(t, created)

	created, err = f.svc.EnsureBootstrapAdmin(ctx, "root@example.com", "pw", "Root")
	require.NoError(t, err)
	require.True(t, created)

	list, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.RoleAdmin, list[0].Role)
	require.Nil(t, f.audit.entries[len(f.audit.entries)-1].ActorID)
}
