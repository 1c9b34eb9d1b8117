package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/repository"
	"github.com/sirupsen/logrus"
)

// TwoFactorService drives TOTP enrollment and verification. A secret becomes
// active only after the user proves possession with one valid code; until
// then it lives in the enrollment store.
type TwoFactorService struct {
	users       TwoFactorUserStore
	enrollments EnrollmentStore
	cfg         config.TwoFactorConfig
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	now         func() time.Time
}

func NewTwoFactorService(users TwoFactorUserStore, enrollments EnrollmentStore, cfg config.TwoFactorConfig, m *metrics.Metrics, logger *logrus.Logger) *TwoFactorService {
	return &TwoFactorService{
		users:       users,
		enrollments: enrollments,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Setup starts enrollment and returns the secret and provisioning URI. Any
// earlier pending enrollment is replaced.
func (s *TwoFactorService) Setup(ctx context.Context, subjectID string) (*models.TwoFactorSetup, error) {
	user, err := s.loadUser(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	enrollment := &models.TwoFactorEnrollment{
		SubjectID: subjectID,
		Secret:    secret,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.EnrollmentTTL),
	}
	if err := s.enrollments.Save(ctx, enrollment, s.cfg.EnrollmentTTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.metrics.TwoFactor("setup", "success")
	return &models.TwoFactorSetup{
		Secret:          secret,
		ProvisioningURI: ProvisioningURI(s.cfg.Issuer, user.Email, secret),
	}, nil
}

// VerifyAndEnable commits the pending secret when token is valid for it and
// returns the plaintext backup codes. They are never retrievable again.
func (s *TwoFactorService) VerifyAndEnable(ctx context.Context, subjectID, token string) ([]string, error) {
	user, err := s.loadUser(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}

	enrollment, err := s.enrollments.Get(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotEnabled
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if enrollment.Attempts >= s.cfg.MaxAttempts {
		s.discardEnrollment(ctx, subjectID)
		s.metrics.TwoFactor("enable", "locked")
		return nil, ErrInvalidTwoFactorToken
	}

	if !VerifyTOTP(token, enrollment.Secret, s.now(), TOTPWindow) {
		attempts, err := s.enrollments.IncrementAttempts(ctx, subjectID)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to record enrollment attempt")
		} else if attempts >= s.cfg.MaxAttempts {
			s.discardEnrollment(ctx, subjectID)
		}
		s.metrics.TwoFactor("enable", "failure")
		return nil, ErrInvalidTwoFactorToken
	}

	codes, err := generateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	err = s.users.EnableTwoFactor(ctx, subjectID, enrollment.Secret, hashBackupCodes(codes), user.TwoFactorVersion)
	if errors.Is(err, repository.ErrConflict) {
		return nil, ErrAlreadyEnabled
	}
	if err != nil {
		return nil, fmt.Errorf("%w: enable two-factor: %v", ErrStoreUnavailable, err)
	}

	s.discardEnrollment(ctx, subjectID)
	s.metrics.TwoFactor("enable", "success")
	s.logger.WithField("subject_id", subjectID).Info("Two-factor authentication enabled")
	return codes, nil
}

// Disable turns the second factor off. token may be a current TOTP value or an
// unused backup code.
func (s *TwoFactorService) Disable(ctx context.Context, subjectID, token string) error {
	user, err := s.loadUser(ctx, subjectID)
	if err != nil {
		return err
	}
	if err := s.Verify(ctx, user, token); err != nil {
		s.metrics.TwoFactor("disable", "failure")
		return err
	}

	err = s.users.DisableTwoFactor(ctx, subjectID)
	if errors.Is(err, repository.ErrConflict) {
		return ErrNotEnabled
	}
	if err != nil {
		return fmt.Errorf("%w: disable two-factor: %v", ErrStoreUnavailable, err)
	}

	s.metrics.TwoFactor("disable", "success")
	s.logger.WithField("subject_id", subjectID).Info("Two-factor authentication disabled")
	return nil
}

// Verify checks token against the user's TOTP secret, falling back to
// consuming a backup code.
func (s *TwoFactorService) Verify(ctx context.Context, user *models.User, token string) error {
	if !user.TwoFactorEnabled {
		return ErrNotEnabled
	}
	if token == "" {
		return ErrInvalidTwoFactorToken
	}

	if VerifyTOTP(token, user.TwoFactorSecret, s.now(), TOTPWindow) {
		s.metrics.TwoFactor("verify", "totp")
		return nil
	}

	consumed, err := s.users.ConsumeBackupCode(ctx, user.ID, hashBackupCode(token))
	if err != nil {
		return fmt.Errorf("%w: consume backup code: %v", ErrStoreUnavailable, err)
	}
	if !consumed {
		s.metrics.TwoFactor("verify", "failure")
		return ErrInvalidTwoFactorToken
	}

	s.metrics.TwoFactor("verify", "backup_code")
	s.logger.WithField("subject_id", user.ID).Info("Backup code consumed")
	return nil
}

func (s *TwoFactorService) Status(ctx context.Context, subjectID string) (*models.TwoFactorStatus, error) {
	user, err := s.loadUser(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &models.TwoFactorStatus{
		Enabled:              user.TwoFactorEnabled,
		BackupCodesRemaining: len(user.BackupCodes),
	}, nil
}

// RegenerateBackupCodes replaces every backup code. Only a TOTP value is
// accepted here, not a backup code.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, subjectID, token string) ([]string, error) {
	user, err := s.loadUser(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, ErrNotEnabled
	}
	if !VerifyTOTP(token, user.TwoFactorSecret, s.now(), TOTPWindow) {
		s.metrics.TwoFactor("regenerate", "failure")
		return nil, ErrInvalidTwoFactorToken
	}

	codes, err := generateBackupCodes(s.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	err = s.users.ReplaceBackupCodes(ctx, subjectID, hashBackupCodes(codes), user.TwoFactorVersion)
	if errors.Is(err, repository.ErrConflict) {
		// Concurrent 2FA change; the caller can retry against fresh state.
		return nil, ErrInvalidTwoFactorToken
	}
	if err != nil {
		return nil, fmt.Errorf("%w: replace backup codes: %v", ErrStoreUnavailable, err)
	}

	s.metrics.TwoFactor("regenerate", "success")
	return codes, nil
}

func (s *TwoFactorService) loadUser(ctx context.Context, subjectID string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %v", ErrStoreUnavailable, err)
	}
	return user, nil
}

func (s *TwoFactorService) discardEnrollment(ctx context.Context, subjectID string) {
	if err := s.enrollments.Delete(context.WithoutCancel(ctx), subjectID); err != nil {
		s.logger.WithError(err).Warn("Failed to discard two-factor enrollment")
	}
}
