// Package accounts manages staff and admin accounts.
//
// Role and activation changes and deletions run in a serializable transaction
// that locks the remaining active admins, so concurrent demotions can never
// leave the system without an active ADMIN.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockgate/pkg/db"
	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/otp"
	"stockgate/services/authd/internal/password"
	"stockgate/services/authd/internal/session"
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrMissingFields   = errors.New("email, password, and role are required")
	ErrEmailInUse      = errors.New("email already in use")
	ErrSelfDeactivate  = errors.New("cannot deactivate own account")
	ErrSelfDemote      = errors.New("cannot remove own admin access")
	ErrSelfDelete      = errors.New("cannot delete own account")
	ErrLastAdmin       = errors.New("cannot remove the last active admin")
	ErrLastAdminDelete = errors.New("cannot delete the last active admin")
)

// Auditor receives post-commit audit entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Service implements account lifecycle operations.
type Service struct {
	db       *gorm.DB
	hasher   password.Hasher
	sessions *session.Issuer
	codes    *otp.Engine
	audit    Auditor
	logger   zerolog.Logger
}

// Deps bundles the collaborators of Service.
type Deps struct {
	DB       *gorm.DB
	Hasher   password.Hasher
	Sessions *session.Issuer
	Codes    *otp.Engine
	Audit    Auditor
	Logger   zerolog.Logger
}

func New(d Deps) (*Service, error) {
	switch {
	case d.DB == nil:
		return nil, errors.New("accounts: database is required")
	case d.Hasher == nil:
		return nil, errors.New("accounts: hasher is required")
	case d.Sessions == nil:
		return nil, errors.New("accounts: session issuer is required")
	case d.Codes == nil:
		return nil, errors.New("accounts: code engine is required")
	case d.Audit == nil:
		return nil, errors.New("accounts: auditor is required")
	}
	return &Service{
		db:       d.DB,
		hasher:   d.Hasher,
		sessions: d.Sessions,
		codes:    d.Codes,
		audit:    d.Audit,
		logger:   d.Logger.With().Str("component", "accounts").Logger(),
	}, nil
}

// ListFilter narrows List. Inactive accounts are hidden unless IncludeInactive is set.
type ListFilter struct {
	Search          string
	IncludeInactive bool
}

// List returns accounts newest first. Search matches email or name, case-insensitively.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Account, error) {
	q := s.db.WithContext(ctx).Model(&models.Account{})
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + escapeLike(strings.ToLower(term)) + "%"
		q = q.Where("(LOWER(email) LIKE ? ESCAPE '\\' OR LOWER(COALESCE(name, '')) LIKE ? ESCAPE '\\')", like, like)
	}
	if !f.IncludeInactive {
		q = q.Where("is_active = ?", true)
	}

	var out []models.Account
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account, ErrNotFound
		}
		return account, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

// CreateInput is the payload of Create.
type CreateInput struct {
	Email    string
	Password string
	Role     string
	Name     *string
}

// Create adds an active account. actor is nil for operator tooling.
func (s *Service) Create(ctx context.Context, actor *uuid.UUID, in CreateInput) (models.Account, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" || strings.TrimSpace(in.Role) == "" {
		return models.Account{}, ErrMissingFields
	}
	role, err := models.ParseRole(in.Role)
	if err != nil {
		return models.Account{}, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return models.Account{}, wrap("hash password", err)
	}

	account := models.Account{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Name:         in.Name,
		IsActive:     true,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := emailTaken(tx, email, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return ErrEmailInUse
		}
		return tx.Create(&account).Error
	})
	if db.IsUniqueViolation(err) {
		return models.Account{}, ErrEmailInUse
	}
	if err != nil {
		return models.Account{}, wrap("create account", err)
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:    actor,
		TargetType: audit.TargetUser,
		TargetID:   account.ID.String(),
		Action:     audit.ActionUserCreated,
		Summary:    "Created user " + account.Email,
		Snapshot:   snapshot(account),
	})
	return account, nil
}

// UpdateInput is the payload of Update. Nil fields are left unchanged; an
// empty Email, Role or Password is treated as absent.
type UpdateInput struct {
	Email    *string
	Name     *string
	Role     *string
	Password *string
	IsActive *bool
}

// Update applies in to the account id on behalf of actor.
func (s *Service) Update(ctx context.Context, actor *uuid.UUID, id uuid.UUID, in UpdateInput) (models.Account, error) {
	var newHash string
	if in.Password != nil && *in.Password != "" {
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return models.Account{}, wrap("hash password", err)
		}
		newHash = hash
	}

	self := actor != nil && *actor == id
	var updated models.Account

	err := db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		target, err := lockAccount(tx, id)
		if err != nil {
			return err
		}

		if self && in.IsActive != nil && !*in.IsActive {
			return ErrSelfDeactivate
		}

		role := target.Role
		if in.Role != nil && strings.TrimSpace(*in.Role) != "" {
			if role, err = models.ParseRole(*in.Role); err != nil {
				return err
			}
		}
		if self && role != models.RoleAdmin {
			return ErrSelfDemote
		}

		email := target.Email
		if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
			email = strings.TrimSpace(*in.Email)
		}
		if email != target.Email {
			taken, err := emailTaken(tx, email, target.ID)
			if err != nil {
				return err
			}
			if taken {
				return ErrEmailInUse
			}
		}

		active := target.IsActive
		if in.IsActive != nil {
			active = *in.IsActive
		}
		if target.IsActiveAdmin() && (role != models.RoleAdmin || !active) {
			others, err := otherActiveAdmins(tx, target.ID)
			if err != nil {
				return err
			}
			if others == 0 {
				return ErrLastAdmin
			}
		}

		wasActive := target.IsActive
		changes := map[string]any{
			"email":     email,
			"role":      role,
			"is_active": active,
		}
		if in.Name != nil {
			changes["name"] = in.Name
		}
		if newHash != "" {
			changes["password_hash"] = newHash
		}
		if err := tx.Model(&target).Updates(changes).Error; err != nil {
			return err
		}

		deactivated := wasActive && !active
		if deactivated {
			if _, err := s.sessions.WithDB(tx).RevokeAll(ctx, target.ID); err != nil {
				return err
			}
		}
		// Pending codes were sent to the old address.
		if deactivated || email != target.Email {
			if _, err := s.codes.WithDB(tx).InvalidateAccount(ctx, target.ID); err != nil {
				return err
			}
		}

		return tx.First(&updated, "id = ?", target.ID).Error
	})
	if db.IsUniqueViolation(err) {
		return models.Account{}, ErrEmailInUse
	}
	if err != nil {
		return models.Account{}, wrap("update account", err)
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:    actor,
		TargetType: audit.TargetUser,
		TargetID:   updated.ID.String(),
		Action:     audit.ActionUserUpdated,
		Summary:    "Updated user " + updated.Email,
		Snapshot:   snapshot(updated),
	})
	return updated, nil
}

// Delete removes the account id with its sessions and pending codes.
func (s *Service) Delete(ctx context.Context, actor *uuid.UUID, id uuid.UUID) error {
	if actor != nil && *actor == id {
		return ErrSelfDelete
	}

	var removed models.Account
	err := db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		target, err := lockAccount(tx, id)
		if err != nil {
			return err
		}

		if target.IsActiveAdmin() {
			others, err := otherActiveAdmins(tx, target.ID)
			if err != nil {
				return err
			}
			if others == 0 {
				return ErrLastAdminDelete
			}
		}

		if _, err := s.sessions.WithDB(tx).RevokeAll(ctx, target.ID); err != nil {
			return err
		}
		if _, err := s.codes.WithDB(tx).InvalidateAccount(ctx, target.ID); err != nil {
			return err
		}
		if err := tx.Delete(&models.Account{}, "id = ?", target.ID).Error; err != nil {
			return err
		}
		removed = target
		return nil
	})
	if err != nil {
		return wrap("delete account", err)
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:    actor,
		TargetType: audit.TargetUser,
		TargetID:   removed.ID.String(),
		Action:     audit.ActionUserDeleted,
		Summary:    "Deleted user " + removed.Email,
		Snapshot: map[string]any{
			"email": removed.Email,
			"role":  removed.Role,
			"name":  removed.Name,
		},
	})
	return nil
}

// EnsureBootstrapAdmin creates an ADMIN when the account table is empty. It
// reports whether an account was created.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, email, plain, name string) (bool, error) {
	if strings.TrimSpace(email) == "" || plain == "" {
		return false, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Account{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count accounts: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	in := CreateInput{Email: email, Password: plain, Role: string(models.RoleAdmin)}
	if name != "" {
		in.Name = &name
	}
	if _, err := s.Create(ctx, nil, in); err != nil {
		return false, err
	}
	s.logger.Info().Str("email", email).Msg("bootstrap admin created")
	return true, nil
}

func lockAccount(tx *gorm.DB, id uuid.UUID) (models.Account, error) {
	var account models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return account, ErrNotFound
	}
	return account, err
}

// otherActiveAdmins counts active admins besides id, locking their rows.
func otherActiveAdmins(tx *gorm.DB, id uuid.UUID) (int, error) {
	var ids []uuid.UUID
	err := tx.Model(&models.Account{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("role = ? AND is_active = ? AND id <> ?", models.RoleAdmin, true, id).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("count active admins: %w", err)
	}
	return len(ids), nil
}

func emailTaken(tx *gorm.DB, email string, except uuid.UUID) (bool, error) {
	var count int64
	err := tx.Model(&models.Account{}).Where("email = ? AND id <> ?", email, except).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return count > 0, nil
}

func snapshot(a models.Account) map[string]any {
	return map[string]any{
		"email":    a.Email,
		"role":     a.Role,
		"name":     a.Name,
		"isActive": a.IsActive,
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var sentinels = []error{
	ErrNotFound, ErrMissingFields, ErrEmailInUse, ErrSelfDeactivate, ErrSelfDemote,
	ErrSelfDelete, ErrLastAdmin, ErrLastAdminDelete, models.ErrInvalidRole,
	password.ErrTooLong,
}

// wrap leaves domain errors untouched so callers can match them directly.
func wrap(op string, err error) error {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
