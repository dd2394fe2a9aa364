// Package session mints and verifies session credentials.
//
// Every session has a server-side record holding an opaque random token and an
// authoritative expiry. The client receives an HS256 JWT that names the record.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"stockgate/services/authd/internal/metrics"
	"stockgate/services/authd/internal/models"
)

const (
	DefaultTTL = 7 * 24 * time.Hour

	tokenBytes = 32
)

// ErrUnauthorized is wrapped by every verification failure.
var ErrUnauthorized = errors.New("unauthorized")

var (
	ErrMissingToken    = fmt.Errorf("%w: missing session token", ErrUnauthorized)
	ErrInvalidToken    = fmt.Errorf("%w: invalid session token", ErrUnauthorized)
	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrUnauthorized)
	ErrSessionExpired  = fmt.Errorf("%w: session expired", ErrUnauthorized)
	ErrAccountInactive = fmt.Errorf("%w: account inactive", ErrUnauthorized)
)

// Claims is the payload of the session credential.
type Claims struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Options configures an Issuer.
type Options struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

// Issuer creates, verifies and revokes sessions.
type Issuer struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(database *gorm.DB, opts Options) (*Issuer, error) {
	if database == nil {
		return nil, errors.New("session: database is required")
	}
	if opts.Secret == "" {
		return nil, errors.New("session: signing secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Issuer{db: database, secret: []byte(opts.Secret), ttl: opts.TTL, now: opts.Now}, nil
}

// WithDB returns a copy of the issuer bound to tx.
func (i *Issuer) WithDB(tx *gorm.DB) *Issuer {
	clone := *i
	clone.db = tx
	return &clone
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issued is a freshly created session and the credential to hand to the client.
type Issued struct {
	Session   models.Session
	Token     string
	ExpiresAt time.Time
}

// Issue creates a session record for account and signs a credential for it.
func (i *Issuer) Issue(ctx context.Context, account models.Account) (Issued, error) {
	opaque, err := newOpaqueToken()
	if err != nil {
		return Issued{}, err
	}

	now := i.now()
	record := models.Session{
		AccountID: account.ID,
		Token:     opaque,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Issued{}, fmt.Errorf("create session: %w", err)
	}

	claims := Claims{
		SessionID: record.ID.String(),
		UserID:    account.ID.String(),
		Role:      account.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign session token: %w", err)
	}

	metrics.SessionsIssued.Inc()
	return Issued{Session: record, Token: signed, ExpiresAt: record.ExpiresAt}, nil
}

// Verify authenticates raw and resolves the identity behind it. Every failure
// wraps ErrUnauthorized. A record found past its expiry is deleted.
func (i *Issuer) Verify(ctx context.Context, raw string) (Identity, error) {
	id, err := i.verify(ctx, raw)
	if err != nil {
		metrics.SessionChecks.WithLabelValues(outcome(err)).Inc()
		return Identity{}, err
	}
	metrics.SessionChecks.WithLabelValues("ok").Inc()
	return id, nil
}

func (i *Issuer) verify(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMissingToken
	}

	claims, err := i.parse(raw)
	if err != nil {
		return Identity{}, err
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	var record models.Session
	if err := i.db.WithContext(ctx).First(&record, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrSessionNotFound
		}
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	if claims.UserID != record.AccountID.String() {
		return Identity{}, ErrInvalidToken
	}

	if !i.now().Before(record.ExpiresAt) {
		if err := i.db.WithContext(ctx).Delete(&models.Session{}, "id = ?", record.ID).Error; err != nil {
			return Identity{}, fmt.Errorf("delete expired session: %w", err)
		}
		return Identity{}, ErrSessionExpired
	}

	var account models.Account
	if err := i.db.WithContext(ctx).First(&account, "id = ?", record.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrSessionNotFound
		}
		return Identity{}, fmt.Errorf("load session account: %w", err)
	}
	if !account.IsActive {
		return Identity{}, ErrAccountInactive
	}

	return Identity{
		AccountID: account.ID,
		Email:     account.Email,
		Role:      account.Role,
		SessionID: record.ID,
	}, nil
}

func (i *Issuer) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Revoke deletes the session. Revoking a missing session is not an error.
func (i *Issuer) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	if err := i.db.WithContext(ctx).Delete(&models.Session{}, "id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAll deletes every session of accountID.
func (i *Issuer) RevokeAll(ctx context.Context, accountID uuid.UUID) (int64, error) {
	res := i.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&models.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("revoke account sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Purge deletes sessions past their expiry.
func (i *Issuer) Purge(ctx context.Context) (int64, error) {
	res := i.db.WithContext(ctx).Where("expires_at <= ?", i.now()).Delete(&models.Session{})
	return res.RowsAffected, res.Error
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base58.Encode(buf), nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrAccountInactive):
		return "inactive"
	default:
		return "error"
	}
}
