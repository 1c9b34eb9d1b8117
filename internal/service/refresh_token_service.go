package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/repository"
	"github.com/sirupsen/logrus"
)

// Rotation is the outcome of a successful refresh token exchange.
type Rotation struct {
	Tokens    *models.TokenPair
	User      *models.User
	SessionID string
}

// RefreshTokenService is the refresh token ledger. Every issued refresh
// token has a record; a record moves from active to rotated or revoked exactly
// once and is never reactivated.
type RefreshTokenService struct {
	store       RefreshTokenStore
	tokens      *JWTService
	users       UserFinder
	sessions    SessionStore
	revocations *RevocationRegistry
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	now         func() time.Time
}

func NewRefreshTokenService(
	store RefreshTokenStore,
	tokens *JWTService,
	users UserFinder,
	sessions SessionStore,
	revocations *RevocationRegistry,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *RefreshTokenService {
	return &RefreshTokenService{
		store:       store,
		tokens:      tokens,
		users:       users,
		sessions:    sessions,
		revocations: revocations,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Issue mints an access and refresh pair bound to sessionID and starts a new
// rotation family.
func (s *RefreshTokenService) Issue(ctx context.Context, user *models.User, sessionID string) (*models.TokenPair, error) {
	pair, rec, err := s.mint(user, sessionID, uuid.New().String())
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.logger.WithError(err).Error("Failed to persist refresh token")
		return nil, fmt.Errorf("%w: persist refresh token: %v", ErrStoreUnavailable, err)
	}
	return pair, nil
}

func (s *RefreshTokenService) mint(user *models.User, sessionID, familyID string) (*models.TokenPair, *models.RefreshToken, error) {
	subject := user.Subject(sessionID)

	access, err := s.tokens.IssueAccess(subject)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.tokens.IssueRefresh(subject)
	if err != nil {
		return nil, nil, err
	}
	s.metrics.TokenIssued(string(KindAccess))
	s.metrics.TokenIssued(string(KindRefresh))

	rec := &models.RefreshToken{
		ID:        uuid.New().String(),
		SubjectID: user.ID,
		SessionID: sessionID,
		FamilyID:  familyID,
		TokenHash: HashToken(refresh.Token),
		Status:    models.RefreshActive,
		CreatedAt: refresh.Claims.IssuedAt.Time,
		ExpiresAt: refresh.Claims.ExpiresAt.Time,
	}

	return &models.TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessExpiry().Seconds()),
	}, rec, nil
}

// Rotate exchanges a refresh token for a new pair. Presenting a token that was
// already rotated or revoked revokes every refresh token of the subject,
// destroys its sessions and fails with ErrReuseDetected.
func (s *RefreshTokenService) Rotate(ctx context.Context, token string) (*Rotation, error) {
	claims, err := s.tokens.VerifyRefresh(ctx, token)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		s.metrics.Rotation("invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	rec, err := s.store.FindByTokenHash(ctx, HashToken(token))
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.Rotation("not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find refresh token: %v", ErrStoreUnavailable, err)
	}
	if rec.SubjectID != claims.Subject {
		s.metrics.Rotation("invalid")
		return nil, ErrInvalidToken
	}

	if rec.Revoked() {
		return nil, s.reuseDetected(ctx, rec)
	}

	now := s.now()
	if rec.Expired(now) {
		s.metrics.Rotation("expired")
		return nil, ErrExpired
	}

	if rec.SessionID != "" {
		if _, err := s.sessions.Get(ctx, rec.SessionID); err != nil {
			if errors.Is(err, ErrNotFound) {
				s.revokeRecord(ctx, rec)
				s.metrics.Rotation("session_gone")
				return nil, ErrRevoked
			}
			return nil, err
		}
	}

	user, err := s.users.FindByID(ctx, rec.SubjectID)
	if errors.Is(err, repository.ErrNotFound) {
		s.revokeRecord(ctx, rec)
		return nil, ErrAccountInactive
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %v", ErrStoreUnavailable, err)
	}
	if !user.IsActive {
		s.revokeRecord(ctx, rec)
		s.metrics.Rotation("inactive")
		return nil, ErrAccountInactive
	}

	pair, next, err := s.mint(user, rec.SessionID, rec.FamilyID)
	if err != nil {
		return nil, err
	}

	// Compare-and-set: only one concurrent exchange of this token can flip it.
	err = s.store.MarkRotated(ctx, rec.TokenHash, next.ID)
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.reuseDetected(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: mark refresh token rotated: %v", ErrStoreUnavailable, err)
	}

	if err := s.store.Create(ctx, next); err != nil {
		s.logger.WithError(err).Error("Failed to persist rotated refresh token")
		return nil, fmt.Errorf("%w: persist refresh token: %v", ErrStoreUnavailable, err)
	}

	s.metrics.Rotation("success")
	return &Rotation{Tokens: pair, User: user, SessionID: rec.SessionID}, nil
}

// reuseDetected runs the mandatory cascade. It is detached from the caller's
// cancellation so an aborted request cannot skip it.
func (s *RefreshTokenService) reuseDetected(ctx context.Context, rec *models.RefreshToken) error {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"subject_id": rec.SubjectID,
		"family_id":  rec.FamilyID,
	})

	s.metrics.ReuseDetected()
	s.metrics.Rotation("reuse")

	revoked, err := s.store.RevokeAllForSubject(ctx, rec.SubjectID)
	if err != nil {
		log.WithError(err).Error("Failed to revoke refresh tokens after reuse")
	}
	if err := s.revocations.RevokeSubject(ctx, rec.SubjectID); err != nil {
		log.WithError(err).Error("Failed to revoke access tokens after reuse")
	}
	sessions, err := s.sessions.DestroyAll(ctx, rec.SubjectID)
	if err != nil {
		log.WithError(err).Error("Failed to destroy sessions after reuse")
	}

	log.WithFields(logrus.Fields{
		"refresh_tokens_revoked": revoked,
		"sessions_destroyed":     sessions,
	}).Warn("Refresh token reuse detected, revoked all credentials for subject")
	return ErrReuseDetected
}

func (s *RefreshTokenService) revokeRecord(ctx context.Context, rec *models.RefreshToken) {
	if err := s.store.MarkRevoked(context.WithoutCancel(ctx), rec.TokenHash); err != nil {
		s.logger.WithError(err).Warn("Failed to revoke refresh token record")
	}
}

// Revoke invalidates a single refresh token, as on logout. Unknown or
// already-terminal tokens are ignored.
func (s *RefreshTokenService) Revoke(ctx context.Context, token string) error {
	if err := s.store.MarkRevoked(ctx, HashToken(token)); err != nil {
		return fmt.Errorf("%w: revoke refresh token: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RefreshTokenService) RevokeAll(ctx context.Context, subjectID string) (int, error) {
	n, err := s.store.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return n, fmt.Errorf("%w: revoke refresh tokens: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Sweep deletes records past their expiry.
func (s *RefreshTokenService) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return n, fmt.Errorf("sweep refresh tokens: %w", err)
	}
	s.metrics.LedgerSwept(n)
	return n, nil
}

// RunSweeper calls Sweep on every tick until ctx is done.
func (s *RefreshTokenService) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("Refresh token sweep failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("deleted", n).Info("Swept expired refresh tokens")
			}
		}
	}
}
