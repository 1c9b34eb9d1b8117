package service

import (
	"context"
	"time"

	"github.com/qcom/authcore/internal/models"
)

// RefreshTokenStore persists ledger records keyed by token hash. Missing
// records are repository.ErrNotFound; a lost MarkRotated race is
// repository.ErrConflict.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *models.RefreshToken) error
	FindByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	MarkRotated(ctx context.Context, tokenHash, replacedBy string) error
	MarkRevoked(ctx context.Context, tokenHash string) error
	RevokeAllForSubject(ctx context.Context, subjectID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type UserFinder interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type UserStore interface {
	UserFinder
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdateRole(ctx context.Context, id string, role models.Role) error
	VerifyEmail(ctx context.Context, id string) error
}

// TwoFactorUserStore is the slice of the user store the second factor
// mutates. Every write is conditional; repository.ErrConflict means the
// precondition no longer held.
type TwoFactorUserStore interface {
	UserFinder
	EnableTwoFactor(ctx context.Context, id, secret string, codeHashes []string, expectedVersion int64) error
	DisableTwoFactor(ctx context.Context, id string) error
	ReplaceBackupCodes(ctx context.Context, id string, codeHashes []string, expectedVersion int64) error
	ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error)
}

type EnrollmentStore interface {
	Save(ctx context.Context, enrollment *models.TwoFactorEnrollment, ttl time.Duration) error
	Get(ctx context.Context, subjectID string) (*models.TwoFactorEnrollment, error)
	IncrementAttempts(ctx context.Context, subjectID string) (int, error)
	Delete(ctx context.Context, subjectID string) error
}

// PasswordHasher is an opaque hash-and-compare capability.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Compare(plaintext, hash string) bool
}

// SessionStore is what the ledger needs from the session registry: a bound
// session must still exist for its refresh token to rotate.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	DestroyAll(ctx context.Context, subjectID string) (int, error)
}
