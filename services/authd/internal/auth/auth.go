// Package auth orchestrates sign-in: credential check, one-time code and
// session issuance.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"stockgate/services/authd/internal/audit"
	"stockgate/services/authd/internal/mailer"
	"stockgate/services/authd/internal/metrics"
	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/otp"
	"stockgate/services/authd/internal/password"
	"stockgate/services/authd/internal/session"
)

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrMissingToken       = errors.New("pending token is required")
	ErrMissingCode        = errors.New("verification code is required")
	ErrDispatchFailed     = errors.New("unable to send verification code")
)

const (
	MessageCodeSent     = "Verification code sent"
	MessageCodeDegraded = "Verification code generated (email delivery failed)"
)

// Config selects the second-factor policy.
type Config struct {
	// Disable2FA issues a session straight after the password check.
	Disable2FA bool
	// AllowNoEmail lets a login proceed when the code could not be delivered.
	AllowNoEmail bool
	// DebugReturnCode returns the raw code on degraded delivery. It has no
	// effect unless AllowNoEmail is also set.
	DebugReturnCode bool
}

// Auditor receives post-commit audit entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Deps bundles the collaborators of Service.
type Deps struct {
	DB       *gorm.DB
	Hasher   password.Hasher
	Sessions *session.Issuer
	Codes    *otp.Engine
	Mailer   mailer.Dispatcher
	Audit    Auditor
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Service struct {
	cfg      Config
	db       *gorm.DB
	hasher   password.Hasher
	sessions *session.Issuer
	codes    *otp.Engine
	mailer   mailer.Dispatcher
	audit    Auditor
	logger   zerolog.Logger
	now      func() time.Time
}

func New(cfg Config, d Deps) (*Service, error) {
	switch {
	case d.DB == nil:
		return nil, errors.New("auth: database is required")
	case d.Hasher == nil:
		return nil, errors.New("auth: hasher is required")
	case d.Sessions == nil:
		return nil, errors.New("auth: session issuer is required")
	case d.Codes == nil && !cfg.Disable2FA:
		return nil, errors.New("auth: code engine is required")
	case d.Mailer == nil && !cfg.Disable2FA:
		return nil, errors.New("auth: mail dispatcher is required")
	case d.Audit == nil:
		return nil, errors.New("auth: auditor is required")
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:      cfg,
		db:       d.DB,
		hasher:   d.Hasher,
		sessions: d.Sessions,
		codes:    d.Codes,
		mailer:   d.Mailer,
		audit:    d.Audit,
		logger:   d.Logger.With().Str("component", "auth").Logger(),
		now:      d.Now,
	}, nil
}

// Result is the outcome of a sign-in step. Exactly one of Session and
// PendingToken is set.
type Result struct {
	Account      models.Account
	Session      *session.Issued
	PendingToken string
	Message      string
	DebugCode    string
}

// SignedIn reports whether a session was issued.
func (r Result) SignedIn() bool { return r.Session != nil }

// Login checks the credentials and either starts a second-factor challenge or,
// with 2FA disabled, signs the account in directly.
func (s *Service) Login(ctx context.Context, email, plain string) (Result, error) {
	email = strings.TrimSpace(email)
	if email == "" || plain == "" {
		metrics.LoginAttempts.WithLabelValues("missing").Inc()
		return Result{}, ErrMissingCredentials
	}

	var account models.Account
	err := s.db.WithContext(ctx).First(&account, "email = ?", email).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s.hasher.CompareDummy(plain)
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		return Result{}, ErrInvalidCredentials
	case err != nil:
		return Result{}, fmt.Errorf("load account: %w", err)
	}

	if !s.hasher.Compare(account.PasswordHash, plain) {
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		return Result{}, ErrInvalidCredentials
	}
	if !account.IsActive {
		metrics.LoginAttempts.WithLabelValues("disabled").Inc()
		return Result{}, ErrAccountDisabled
	}

	if s.cfg.Disable2FA {
		issued, account, err := s.signIn(ctx, account)
		if err != nil {
			return Result{}, err
		}
		metrics.LoginAttempts.WithLabelValues("success").Inc()
		s.recordLogin(ctx, account, "User signed in (2FA disabled)")
		return Result{Account: account, Session: &issued}, nil
	}

	pending, err := s.codes.Issue(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("issue verification code: %w", err)
	}
	return s.deliver(ctx, pending)
}

// VerifyCode consumes the pending record identified by token and issues a
// session. Consumption and session creation commit together.
func (s *Service) VerifyCode(ctx context.Context, token, code string) (Result, error) {
	token = strings.TrimSpace(token)
	code = strings.TrimSpace(code)
	if token == "" {
		return Result{}, ErrMissingToken
	}
	if s.codes == nil {
		return Result{}, otp.ErrInvalidRequest
	}
	if code == "" {
		return Result{}, ErrMissingCode
	}

	issued, account, err := s.signIn(ctx, models.Account{}, withCode(s.codes, token, code))
	if err != nil {
		return Result{}, err
	}

	s.recordLogin(ctx, account, "User signed in via 2FA")
	return Result{Account: account, Session: &issued}, nil
}

// ResendCode replaces the code of a live pending record and delivers it.
func (s *Service) ResendCode(ctx context.Context, token string) (Result, error) {
	if strings.TrimSpace(token) == "" {
		return Result{}, ErrMissingToken
	}
	if s.codes == nil {
		return Result{}, otp.ErrInvalidRequest
	}
	pending, err := s.codes.Reissue(ctx, token)
	if errors.Is(err, otp.ErrAccountInactive) {
		return Result{}, ErrAccountDisabled
	}
	if err != nil {
		return Result{}, err
	}
	return s.deliver(ctx, pending)
}

// CurrentAccount loads the account behind a verified session.
func (s *Service) CurrentAccount(ctx context.Context, id session.Identity) (models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", id.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return account, session.ErrSessionNotFound
		}
		return account, fmt.Errorf("load account: %w", err)
	}
	return account, nil
}

// Logout revokes the session behind id. Revoking twice is not an error.
func (s *Service) Logout(ctx context.Context, id session.Identity) error {
	if err := s.sessions.Revoke(ctx, id.SessionID); err != nil {
		return err
	}
	actor := id.AccountID
	s.audit.Record(ctx, audit.Entry{
		ActorID:    &actor,
		TargetType: audit.TargetUser,
		TargetID:   actor.String(),
		Action:     audit.ActionLogout,
		Summary:    "User signed out",
	})
	return nil
}

// deliver dispatches a freshly issued code and applies the degraded-delivery policy.
func (s *Service) deliver(ctx context.Context, pending otp.Issued) (Result, error) {
	result := Result{Account: pending.Account, PendingToken: pending.Record.ID.String()}

	start := time.Now()
	err := s.mailer.SendCode(ctx, mailer.Message{
		To:   pending.Account.Email,
		Code: pending.Code,
		TTL:  s.codes.TTL(),
	})
	metrics.MailDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.MailDispatch.WithLabelValues("sent").Inc()
		metrics.LoginAttempts.WithLabelValues("code_sent").Inc()
		result.Message = MessageCodeSent
		return result, nil
	}

	metrics.MailDispatch.WithLabelValues("failed").Inc()
	s.logger.Error().Err(err).Str("email", pending.Account.Email).Msg("verification code delivery failed")

	if !s.cfg.AllowNoEmail {
		metrics.LoginAttempts.WithLabelValues("dispatch_failed").Inc()
		return Result{}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	metrics.LoginAttempts.WithLabelValues("degraded").Inc()
	result.Message = MessageCodeDegraded
	if s.cfg.DebugReturnCode {
		result.DebugCode = pending.Code
	}
	return result, nil
}

type step func(ctx context.Context, tx *gorm.DB) (models.Account, error)

func withCode(codes *otp.Engine, token, code string) step {
	return func(ctx context.Context, tx *gorm.DB) (models.Account, error) {
		verified, err := codes.WithDB(tx).Verify(ctx, token, code)
		if err != nil {
			return models.Account{}, err
		}
		return verified.Account, nil
	}
}

// signIn runs steps to resolve the account, then creates a session and stamps
// last_login_at, all in one transaction.
func (s *Service) signIn(ctx context.Context, account models.Account, steps ...step) (session.Issued, models.Account, error) {
	var issued session.Issued
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, st := range steps {
			resolved, err := st(ctx, tx)
			if err != nil {
				return err
			}
			account = resolved
		}
		if account.ID == uuid.Nil {
			return otp.ErrInvalidRequest
		}
		if !account.IsActive {
			return ErrAccountDisabled
		}
		var err error
		if issued, err = s.sessions.WithDB(tx).Issue(ctx, account); err != nil {
			return err
		}
		now := s.now()
		if err := tx.Model(&models.Account{}).Where("id = ?", account.ID).Update("last_login_at", now).Error; err != nil {
			return fmt.Errorf("stamp last login: %w", err)
		}
		account.LastLoginAt = &now
		return nil
	})
	if err != nil {
		return session.Issued{}, models.Account{}, err
	}
	return issued, account, nil
}

func (s *Service) recordLogin(ctx context.Context, account models.Account, summary string) {
	actor := account.ID
	s.audit.Record(ctx, audit.Entry{
		ActorID:    &actor,
		TargetType: audit.TargetUser,
		TargetID:   actor.String(),
		Action:     audit.ActionLoginSuccess,
		Summary:    summary,
	})
}
