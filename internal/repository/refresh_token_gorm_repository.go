package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/authcore/internal/models"
	"gorm.io/gorm"
)

type refreshTokenRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	SubjectID  string `gorm:"size:64;not null;index"`
	SessionID  string `gorm:"size:64"`
	FamilyID   string `gorm:"size:36;not null;index"`
	TokenHash  string `gorm:"size:64;not null;uniqueIndex"`
	Status     string `gorm:"size:16;not null;index"`
	ReplacedBy string `gorm:"size:36"`
	CreatedAt  time.Time
	ExpiresAt  time.Time `gorm:"not null;index"`
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

func (r *refreshTokenRow) toModel() *models.RefreshToken {
	return &models.RefreshToken{
		ID:         r.ID,
		SubjectID:  r.SubjectID,
		SessionID:  r.SessionID,
		FamilyID:   r.FamilyID,
		TokenHash:  r.TokenHash,
		Status:     models.RefreshStatus(r.Status),
		ReplacedBy: r.ReplacedBy,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

func rowFromModel(m *models.RefreshToken) *refreshTokenRow {
	return &refreshTokenRow{
		ID:         m.ID,
		SubjectID:  m.SubjectID,
		SessionID:  m.SessionID,
		FamilyID:   m.FamilyID,
		TokenHash:  m.TokenHash,
		Status:     string(m.Status),
		ReplacedBy: m.ReplacedBy,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}
}

// GormRefreshTokenRepository is the relational ledger store. Rotation relies
// on a conditional UPDATE so the row itself serialises concurrent exchanges.
type GormRefreshTokenRepository struct {
	db *gorm.DB
}

func NewGormRefreshTokenRepository(db *gorm.DB) *GormRefreshTokenRepository {
	return &GormRefreshTokenRepository{db: db}
}

// Migrate creates or updates the refresh_tokens table.
func (r *GormRefreshTokenRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&refreshTokenRow{})
}

func (r *GormRefreshTokenRepository) Create(ctx context.Context, rec *models.RefreshToken) error {
	err := r.db.WithContext(ctx).Create(rowFromModel(rec)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (r *GormRefreshTokenRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var row refreshTokenRow
	err := r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return row.toModel(), nil
}

func (r *GormRefreshTokenRepository) MarkRotated(ctx context.Context, tokenHash, replacedBy string) error {
	res := r.db.WithContext(ctx).
		Model(&refreshTokenRow{}).
		Where("token_hash = ? AND status = ?", tokenHash, string(models.RefreshActive)).
		Updates(map[string]any{
			"status":      string(models.RefreshRotated),
			"replaced_by": replacedBy,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark refresh token rotated: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *GormRefreshTokenRepository) MarkRevoked(ctx context.Context, tokenHash string) error {
	err := r.db.WithContext(ctx).
		Model(&refreshTokenRow{}).
		Where("token_hash = ? AND status = ?", tokenHash, string(models.RefreshActive)).
		Update("status", string(models.RefreshRevoked)).Error
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (r *GormRefreshTokenRepository) RevokeAllForSubject(ctx context.Context, subjectID string) (int, error) {
	res := r.db.WithContext(ctx).
		Model(&refreshTokenRow{}).
		Where("subject_id = ? AND status = ?", subjectID, string(models.RefreshActive)).
		Update("status", string(models.RefreshRevoked))
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens for subject: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *GormRefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&refreshTokenRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
