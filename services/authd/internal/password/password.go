// Package password hashes and verifies account credentials with bcrypt.
package password

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MaxLength is the longest password bcrypt accepts, in bytes.
const MaxLength = 72

var (
	// ErrEmpty is returned when hashing an empty password.
	ErrEmpty = errors.New("password is empty")

	// ErrTooLong is returned when hashing a password over MaxLength bytes.
	ErrTooLong = errors.New("password exceeds 72 bytes")
)

// Hasher creates and checks credential hashes.
type Hasher interface {
	Hash(plain string) (string, error)
	Compare(hash, plain string) bool
	// CompareDummy burns the same time as a real comparison for callers that
	// have no stored hash, so a missing account is not observable by timing.
	CompareDummy(plain string)
}

// Bcrypt implements Hasher.
type Bcrypt struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewBcrypt returns a hasher using cost, or bcrypt.DefaultCost when cost is out of range.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

func (b *Bcrypt) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmpty
	}
	if len(plain) > MaxLength {
		return "", ErrTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), b.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (b *Bcrypt) Compare(hash, plain string) bool {
	if hash == "" {
		b.CompareDummy(plain)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

func (b *Bcrypt) CompareDummy(plain string) {
	b.dummyOnce.Do(func() {
		b.dummy, _ = bcrypt.GenerateFromPassword([]byte("stockgate-dummy-credential"), b.cost)
	})
	_ = bcrypt.CompareHashAndPassword(b.dummy, []byte(plain))
}
