// Package otp issues and verifies the six digit codes that complete a login.
//
// A pending record moves from created to consumed (used_at set) or expired.
// Expiry is detected lazily at verification time; the janitor only reclaims
// storage.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stockgate/services/authd/internal/metrics"
	"stockgate/services/authd/internal/models"
)

const (
	DefaultTTL            = 10 * time.Minute
	DefaultResendCooldown = time.Minute

	codeMin   = 100000
	codeRange = 900000
)

var (
	ErrInvalidRequest = errors.New("invalid verification request")
	ErrAlreadyUsed    = errors.New("verification code already used")
	ErrExpired        = errors.New("verification code expired")
	ErrInvalidCode    = errors.New("invalid verification code")
	ErrResendTooSoon  = errors.New("verification code requested too soon")
	// ErrAccountInactive is returned by Reissue when the owner is deactivated.
	ErrAccountInactive = errors.New("pending code owner is inactive")
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	TTL            time.Duration
	ResendCooldown time.Duration
	Now            func() time.Time
}

// Engine stores code hashes in pending_verifications.
type Engine struct {
	db       *gorm.DB
	ttl      time.Duration
	cooldown time.Duration
	now      func() time.Time
}

func New(database *gorm.DB, opts Options) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ResendCooldown < 0 {
		opts.ResendCooldown = 0
	} else if opts.ResendCooldown == 0 {
		opts.ResendCooldown = DefaultResendCooldown
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{db: database, ttl: opts.TTL, cooldown: opts.ResendCooldown, now: opts.Now}
}

// WithDB returns a copy of the engine bound to tx.
func (e *Engine) WithDB(tx *gorm.DB) *Engine {
	clone := *e
	clone.db = tx
	return &clone
}

func (e *Engine) TTL() time.Duration { return e.ttl }

// Issued carries the plaintext code alongside its record. The code is only
// ever handed to the dispatcher.
type Issued struct {
	Record  models.PendingVerification
	Account models.Account
	Code    string
}

// Issue invalidates every unconsumed record for the account's email and creates
// a fresh one. Both steps commit together.
func (e *Engine) Issue(ctx context.Context, account models.Account) (Issued, error) {
	code, err := generateCode()
	if err != nil {
		return Issued{}, err
	}

	now := e.now()
	record := models.PendingVerification{
		AccountID:  account.ID,
		Email:      account.Email,
		CodeHash:   hashCode(code),
		ExpiresAt:  now.Add(e.ttl),
		LastSentAt: now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("email = ? AND used_at IS NULL", account.Email).
			Delete(&models.PendingVerification{}).Error; err != nil {
			return fmt.Errorf("invalidate pending codes: %w", err)
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("create pending code: %w", err)
		}
		return nil
	})
	if err != nil {
		return Issued{}, err
	}

	metrics.CodesIssued.WithLabelValues("login").Inc()
	return Issued{Record: record, Account: account, Code: code}, nil
}

// Reissue replaces the code of a live pending record and resets its expiry.
// Nothing is written when the owning account is inactive.
func (e *Engine) Reissue(ctx context.Context, token string) (Issued, error) {
	record, account, err := e.load(ctx, token)
	if err != nil {
		return Issued{}, err
	}
	if !account.IsActive {
		return Issued{}, ErrAccountInactive
	}

	now := e.now()
	if e.cooldown > 0 && now.Sub(record.LastSentAt) < e.cooldown {
		return Issued{}, ErrResendTooSoon
	}

	code, err := generateCode()
	if err != nil {
		return Issued{}, err
	}

	res := e.db.WithContext(ctx).Model(&models.PendingVerification{}).
		Where("id = ? AND used_at IS NULL", record.ID).
		Updates(map[string]any{
			"code_hash":    hashCode(code),
			"expires_at":   now.Add(e.ttl),
			"last_sent_at": now,
		})
	if res.Error != nil {
		return Issued{}, fmt.Errorf("reissue pending code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return Issued{}, ErrAlreadyUsed
	}

	record.CodeHash = hashCode(code)
	record.ExpiresAt = now.Add(e.ttl)
	record.LastSentAt = now

	metrics.CodesIssued.WithLabelValues("resend").Inc()
	return Issued{Record: record, Account: account, Code: code}, nil
}

// Verified is a consumed pending record and the account it belongs to.
type Verified struct {
	Record  models.PendingVerification
	Account models.Account
}

// Verify checks code against the pending record identified by token and
// consumes it on a match. A wrong code leaves the record usable until expiry.
// Bind the engine to the transaction that issues the session with WithDB so
// a failed issuance also undoes the consumption.
func (e *Engine) Verify(ctx context.Context, token, code string) (Verified, error) {
	record, account, err := e.load(ctx, token)
	if err != nil {
		metrics.CodeVerifications.WithLabelValues("invalid_request").Inc()
		return Verified{}, err
	}

	if !matches(record.CodeHash, strings.TrimSpace(code)) {
		metrics.CodeVerifications.WithLabelValues("mismatch").Inc()
		return Verified{}, ErrInvalidCode
	}

	now := e.now()
	res := e.db.WithContext(ctx).Model(&models.PendingVerification{}).
		Where("id = ? AND used_at IS NULL", record.ID).
		Update("used_at", now)
	if res.Error != nil {
		return Verified{}, fmt.Errorf("consume pending code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.CodeVerifications.WithLabelValues("already_used").Inc()
		return Verified{}, ErrAlreadyUsed
	}
	record.UsedAt = &now

	metrics.CodeVerifications.WithLabelValues("success").Inc()
	return Verified{Record: record, Account: account}, nil
}

// load resolves a live record: unknown, consumed and expired records map to
// their sentinel errors in that order.
func (e *Engine) load(ctx context.Context, token string) (models.PendingVerification, models.Account, error) {
	id, err := uuid.Parse(strings.TrimSpace(token))
	if err != nil {
		return models.PendingVerification{}, models.Account{}, ErrInvalidRequest
	}

	var record models.PendingVerification
	if err := e.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record, models.Account{}, ErrInvalidRequest
		}
		return record, models.Account{}, fmt.Errorf("load pending code: %w", err)
	}

	var account models.Account
	if err := e.db.WithContext(ctx).First(&account, "id = ?", record.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return record, account, ErrInvalidRequest
		}
		return record, account, fmt.Errorf("load pending code owner: %w", err)
	}

	if record.Used() {
		return record, account, ErrAlreadyUsed
	}
	if record.Expired(e.now()) {
		return record, account, ErrExpired
	}
	return record, account, nil
}

// InvalidateAccount removes every pending record owned by accountID.
func (e *Engine) InvalidateAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	res := e.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&models.PendingVerification{})
	return res.RowsAffected, res.Error
}

// Purge deletes consumed and expired records.
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).
		Where("used_at IS NOT NULL OR expires_at <= ?", e.now()).
		Delete(&models.PendingVerification{})
	return res.RowsAffected, res.Error
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func matches(storedHash, code string) bool {
	if code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashCode(code))) == 1
}
