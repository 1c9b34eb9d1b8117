package repository

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/qcom/authcore/internal/models"
)

// MemoryUserRepository mirrors the DynamoDB user store's conditional
// semantics under a single mutex.
type MemoryUserRepository struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (r *MemoryUserRepository) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (r *MemoryUserRepository) FindByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *MemoryUserRepository) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[user.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := r.byEmail[user.Email]; ok {
		return ErrAlreadyExists
	}

	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.byID[user.ID] = user.Clone()
	r.byEmail[user.Email] = user.ID
	return nil
}

func (r *MemoryUserRepository) UpdatePassword(_ context.Context, id, passwordHash string) error {
	return r.mutate(id, ErrNotFound, func(u *models.User) bool {
		u.PasswordHash = passwordHash
		return true
	})
}

func (r *MemoryUserRepository) SetActive(_ context.Context, id string, active bool) error {
	return r.mutate(id, ErrNotFound, func(u *models.User) bool {
		u.IsActive = active
		return true
	})
}

func (r *MemoryUserRepository) UpdateRole(_ context.Context, id string, role models.Role) error {
	return r.mutate(id, ErrNotFound, func(u *models.User) bool {
		u.Role = role
		return true
	})
}

func (r *MemoryUserRepository) VerifyEmail(_ context.Context, id string) error {
	return r.mutate(id, ErrNotFound, func(u *models.User) bool {
		u.EmailVerified = true
		return true
	})
}

func (r *MemoryUserRepository) EnableTwoFactor(_ context.Context, id, secret string, codeHashes []string, expectedVersion int64) error {
	return r.mutate(id, ErrConflict, func(u *models.User) bool {
		if u.TwoFactorEnabled || u.TwoFactorVersion != expectedVersion {
			return false
		}
		u.TwoFactorEnabled = true
		u.TwoFactorSecret = secret
		u.BackupCodes = slices.Clone(codeHashes)
		u.TwoFactorVersion++
		return true
	})
}

func (r *MemoryUserRepository) DisableTwoFactor(_ context.Context, id string) error {
	return r.mutate(id, ErrConflict, func(u *models.User) bool {
		if !u.TwoFactorEnabled {
			return false
		}
		u.TwoFactorEnabled = false
		u.TwoFactorSecret = ""
		u.BackupCodes = nil
		u.TwoFactorVersion++
		return true
	})
}

func (r *MemoryUserRepository) ReplaceBackupCodes(_ context.Context, id string, codeHashes []string, expectedVersion int64) error {
	return r.mutate(id, ErrConflict, func(u *models.User) bool {
		if !u.TwoFactorEnabled || u.TwoFactorVersion != expectedVersion {
			return false
		}
		u.BackupCodes = slices.Clone(codeHashes)
		u.TwoFactorVersion++
		return true
	})
}

func (r *MemoryUserRepository) ConsumeBackupCode(_ context.Context, id, codeHash string) (bool, error) {
	err := r.mutate(id, ErrConflict, func(u *models.User) bool {
		if !u.TwoFactorEnabled {
			return false
		}
		i := slices.Index(u.BackupCodes, codeHash)
		if i < 0 {
			return false
		}
		u.BackupCodes = slices.Delete(u.BackupCodes, i, i+1)
		u.TwoFactorVersion++
		return true
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// mutate applies fn to the stored user under the lock. fn returns false when
// its precondition does not hold, which surfaces as onReject.
func (r *MemoryUserRepository) mutate(id string, onReject error, fn func(*models.User) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok || !fn(u) {
		return onReject
	}
	u.UpdatedAt = r.now()
	return nil
}
