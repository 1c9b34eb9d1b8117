package repository

import (
	"context"
	"sync"
	"time"

	"github.com/qcom/authcore/internal/models"
)

// MemoryRefreshTokenRepository is a process-local ledger used in tests and
// single-instance development setups.
type MemoryRefreshTokenRepository struct {
	mu     sync.Mutex
	byHash map[string]*models.RefreshToken
}

func NewMemoryRefreshTokenRepository() *MemoryRefreshTokenRepository {
	return &MemoryRefreshTokenRepository{byHash: make(map[string]*models.RefreshToken)}
}

func (r *MemoryRefreshTokenRepository) Create(_ context.Context, rec *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byHash[rec.TokenHash]; ok {
		return ErrAlreadyExists
	}
	c := *rec
	r.byHash[rec.TokenHash] = &c
	return nil
}

func (r *MemoryRefreshTokenRepository) FindByTokenHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (r *MemoryRefreshTokenRepository) MarkRotated(_ context.Context, tokenHash, replacedBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byHash[tokenHash]
	if !ok || rec.Status != models.RefreshActive {
		return ErrConflict
	}
	rec.Status = models.RefreshRotated
	rec.ReplacedBy = replacedBy
	return nil
}

func (r *MemoryRefreshTokenRepository) MarkRevoked(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.byHash[tokenHash]; ok && rec.Status == models.RefreshActive {
		rec.Status = models.RefreshRevoked
	}
	return nil
}

func (r *MemoryRefreshTokenRepository) RevokeAllForSubject(_ context.Context, subjectID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.byHash {
		if rec.SubjectID == subjectID && rec.Status == models.RefreshActive {
			rec.Status = models.RefreshRevoked
			n++
		}
	}
	return n, nil
}

func (r *MemoryRefreshTokenRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for hash, rec := range r.byHash {
		if rec.Expired(now) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}
