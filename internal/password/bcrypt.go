// Package password wraps bcrypt as an opaque hash-and-compare capability.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const MinLength = 8

// bcrypt ignores everything past 72 bytes; longer inputs are rejected rather
// than silently truncated.
const maxLength = 72

var (
	ErrTooShort = fmt.Errorf("password must be at least %d characters", MinLength)
	ErrTooLong  = fmt.Errorf("password must be at most %d bytes", maxLength)
)

type Bcrypt struct {
	cost int
}

func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

func Validate(plaintext string) error {
	if len(plaintext) < MinLength {
		return ErrTooShort
	}
	if len(plaintext) > maxLength {
		return ErrTooLong
	}
	return nil
}

func (b *Bcrypt) Hash(plaintext string) (string, error) {
	if err := Validate(plaintext); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether plaintext matches hash. Malformed hashes never
// match.
func (b *Bcrypt) Compare(plaintext, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	return err == nil
}

// IsPolicyError reports whether err came from Validate.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrTooShort) || errors.Is(err, ErrTooLong)
}
