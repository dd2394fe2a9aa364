package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	gos3 "stockgate/pkg/s3"
	"stockgate/services/authd/internal/accounts"
	"stockgate/services/authd/internal/app"
	"stockgate/services/authd/internal/archive"
	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/config"
	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/storetest"
)

type harness struct {
	t   *testing.T
	db  *gorm.DB
	env map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return &harness{
		t:  t,
		db: storetest.Open(t),
		env: map[string]string{
			"DB_DSN":         "sqlite",
			"LOG_LEVEL":      "error",
			"AGE_SECRET_KEY": identity.String(),
		},
	}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	c := &cli{
		out: &out,
		load: func(ctx context.Context) (config.Config, error) {
			return config.Process(ctx, envconfig.MapLookuper(h.env))
		},
		open: func(_ context.Context, cfg config.Config) (*app.App, func(), error) {
			a, err := app.New(cfg, zerolog.Nop(), h.db)
			if err != nil {
				return nil, nil, err
			}
			return a, func() { _ = a.Close(context.Background()) }, nil
		},
	}
	cmd := c.root()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseSeedFile(t *testing.T) {
	tests := []struct {
		name  string
		input string
		count int
		err   string
	}{
		{
			name: "valid",
			input: `accounts:
  - email: a@example.com
    password: pw-a
    role: admin
    name: Alice
  - email: b@example.com
    password: pw-b
    role: STAFF
`,
			count: 2,
		},
		{name: "missing role", input: "accounts:\n  - email: a@example.com\n    password: x\n", err: "role are required"},
		{name: "unknown role", input: "accounts:\n  - email: a@example.com\n    password: x\n    role: owner\n", err: "invalid role"},
		{name: "unknown field", input: "accounts:\n  - email: a@example.com\n    pass: x\n    role: staff\n", err: "parse seed file"},
		{name: "empty", input: "", err: "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := parseSeedFile(strings.NewReader(tt.input))
			if tt.err != "" {
				require.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Len(t, entries, tt.count)
		})
	}
}

func TestSeedAccountsSkipsExisting(t *testing.T) {
	h := newHarness(t)
	cfg, err := config.Process(context.Background(), envconfig.MapLookuper(h.env))
	require.NoError(t, err)
	_, err = cfg.Validate()
	require.NoError(t, err)
	a, err := app.New(cfg, zerolog.Nop(), h.db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	entries := []seedAccount{
		{Email: "a@example.com", Password: "pw-a", Role: "ADMIN", Name: "Alice"},
		{Email: "b@example.com", Password: "pw-b", Role: "STAFF"},
	}
	var out bytes.Buffer
	require.NoError(t, seedAccounts(context.Background(), a.Accounts, entries, &out))
	require.Contains(t, out.String(), "2 created, 0 skipped")

	out.Reset()
	require.NoError(t, seedAccounts(context.Background(), a.Accounts, entries, &out))
	require.Contains(t, out.String(), "0 created, 2 skipped")

	list, err := a.Accounts.List(context.Background(), accounts.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestCommands(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	out, err := h.run("accounts", "create-admin", "--email", "boss@example.com", "--password", "pw-boss", "--name", "Boss")
	require.NoError(t, err)
	require.Contains(t, out, "created admin boss@example.com")

	_, err = h.run("accounts", "create-admin", "--email", "boss@example.com", "--password", "again")
	require.ErrorIs(t, err, accounts.ErrEmailInUse)

	seed := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(seed, []byte("accounts:\n  - email: clerk@example.com\n    password: pw\n    role: staff\n"), 0o600))
	out, err = h.run("accounts", "seed", "--file", seed)
	require.NoError(t, err)
	require.Contains(t, out, "created clerk@example.com")

	var count int64
	require.NoError(t, h.db.Model(&models.Account{}).Count(&count).Error)
	require.EqualValues(t, 2, count)

	out, err = h.run("sweep")
	require.NoError(t, err)
	require.Contains(t, out, "sessions: removed 0")
	require.Contains(t, out, "pending_verifications: removed 0")

	bundle := filepath.Join(dir, "out", "audit.tar.zst")
	before := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	out, err = h.run("audit", "archive", "--before", before, "--output", bundle)
	require.NoError(t, err)
	require.Contains(t, out, "(2 entries")

	out, err = h.run("audit", "verify", "--file", bundle)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "ok: 2 entries"), out)

	out, err = h.run("audit", "archive", "--before", "2000-01-01T00:00:00Z", "--output", filepath.Join(dir, "old.tar.zst"))
	require.NoError(t, err)
	require.Equal(t, "nothing to archive\n", out)

	_, err = h.run("audit", "archive", "--before", before)
	require.ErrorContains(t, err, "exactly one of --output or --bucket")

	_, err = h.run("audit", "archive", "--before", "yesterday", "--output", bundle)
	require.ErrorContains(t, err, "--before")

	_, err = h.run("audit", "tail")
	require.ErrorContains(t, err, "NATS_URL is required")
}

type fakeStore struct {
	objects map[string]gos3.Object
	body    []byte
	err     error
}

func (f *fakeStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	_, ok := f.objects[bucket+"/"+key]
	return ok, nil
}

func (f *fakeStore) PutObject(_ context.Context, obj gos3.Object) error {
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return err
	}
	if int64(len(body)) != obj.Size {
		return errors.New("size mismatch")
	}
	if f.objects == nil {
		f.objects = map[string]gos3.Object{}
	}
	f.objects[obj.Bucket+"/"+obj.Key] = obj
	f.body = body
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://s3.example.com/" + bucket + "/" + key + "?sig=1", nil
}

func TestArchiveUpload(t *testing.T) {
	h := newHarness(t)
	admin := storetest.CreateAccount(t, h.db, "admin@example.com", models.RoleAdmin)
	require.NoError(t, h.db.Create(&models.AuditLog{
		ActorID: &admin.ID, TargetType: "USER", Action: "LOGIN_SUCCESS",
		CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}).Error)

	signer, err := archive.NewSigner(h.env["AGE_SECRET_KEY"], "")
	require.NoError(t, err)
	cfg, err := config.Process(context.Background(), envconfig.MapLookuper(h.env))
	require.NoError(t, err)
	_, err = cfg.Validate()
	require.NoError(t, err)
	a, err := app.New(cfg, zerolog.Nop(), h.db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	store := &fakeStore{}
	target := archiveTarget{
		before:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		bucket:  "audit-archive",
		presign: time.Hour,
	}
	var out bytes.Buffer
	require.NoError(t, runArchive(context.Background(), audit.NewQuery(a.DB), signer, store, target, &out))

	obj, ok := store.objects["audit-archive/audit/20260301T000000Z.tar.zst"]
	require.True(t, ok)
	require.Len(t, obj.SHA256, 64)
	require.Equal(t, "application/zstd", obj.ContentType)
	require.Equal(t, "1", obj.Metadata["entries"])
	require.Equal(t, "2026-03-01T00:00:00Z", obj.Metadata["cutoff"])
	require.Contains(t, out.String(), "uploaded s3://audit-archive/audit/20260301T000000Z.tar.zst (1 entries")
	require.Contains(t, out.String(), "https://s3.example.com/audit-archive/")

	var verified bytes.Buffer
	require.NoError(t, verifyBundle(bytes.NewReader(store.body), signer, &verified))
	require.Contains(t, verified.String(), "ok: 1 entries before 2026-03-01T00:00:00Z")

	err = runArchive(context.Background(), audit.NewQuery(a.DB), signer, store, target, io.Discard)
	require.ErrorContains(t, err, "already exists")

	failing := &fakeStore{err: errors.New("access denied")}
	require.ErrorContains(t, runArchive(context.Background(), audit.NewQuery(a.DB), signer, failing, target, io.Discard), "access denied")
}
