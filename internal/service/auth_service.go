package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/password"
	"github.com/qcom/authcore/internal/repository"
	"github.com/sirupsen/logrus"
)

type RegisterInput struct {
	Email    string
	Password string
	FullName string
}

type LoginInput struct {
	Email          string
	Password       string
	TwoFactorToken string
}

// AuthResult is returned by every flow that opens a session.
type AuthResult struct {
	User      *models.User
	Tokens    *models.TokenPair
	SessionID string
}

// AuthService composes the signer, ledger, revocation registry, session
// registry and second factor into the register, login, refresh and logout flows.
type AuthService struct {
	users       UserStore
	hasher      PasswordHasher
	tokens      *JWTService
	ledger      *RefreshTokenService
	revocations *RevocationRegistry
	sessions    *SessionService
	twoFactor   *TwoFactorService
	metrics     *metrics.Metrics
	logger      *logrus.Logger

	// dummyHash is compared against when the email is unknown so both
	// branches of a failed login cost one hash comparison.
	dummyOnce sync.Once
	dummyHash string
}

func NewAuthService(
	users UserStore,
	hasher PasswordHasher,
	tokens *JWTService,
	ledger *RefreshTokenService,
	revocations *RevocationRegistry,
	sessions *SessionService,
	twoFactor *TwoFactorService,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *AuthService {
	return &AuthService{
		users:       users,
		hasher:      hasher,
		tokens:      tokens,
		ledger:      ledger,
		revocations: revocations,
		sessions:    sessions,
		twoFactor:   twoFactor,
		metrics:     m,
		logger:      logger,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput, meta models.SessionMetadata) (*AuthResult, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email address", ErrInvalidInput)
	}
	if err := password.Validate(in.Password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		Role:         models.RoleUser,
		IsActive:     true,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("%w: create user: %v", ErrStoreUnavailable, err)
	}

	s.logger.WithField("subject_id", user.ID).Info("User registered")
	return s.openSession(ctx, user, meta)
}

// Login checks the password and, when enabled, the second factor. Every
// failure short of a store outage is ErrInvalidCredentials so callers cannot
// tell an unknown email from a wrong password.
func (s *AuthService) Login(ctx context.Context, in LoginInput, meta models.SessionMetadata) (*AuthResult, error) {
	user, err := s.users.FindByEmail(ctx, normalizeEmail(in.Email))
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: find user: %v", ErrStoreUnavailable, err)
	}
	if user == nil {
		s.hasher.Compare(in.Password, s.dummyPasswordHash())
		s.metrics.Login("failure")
		return nil, ErrInvalidCredentials
	}
	if !s.hasher.Compare(in.Password, user.PasswordHash) {
		s.metrics.Login("failure")
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.metrics.Login("inactive")
		return nil, ErrAccountInactive
	}

	if user.TwoFactorEnabled {
		if in.TwoFactorToken == "" {
			s.metrics.Login("two_factor_required")
			return nil, ErrTwoFactorRequired
		}
		if err := s.twoFactor.Verify(ctx, user, in.TwoFactorToken); err != nil {
			s.metrics.Login("two_factor_failure")
			return nil, err
		}
	}

	s.metrics.Login("success")
	return s.openSession(ctx, user, meta)
}

func (s *AuthService) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.New().String())
		if err != nil {
			s.logger.WithError(err).Warn("Failed to prepare dummy password hash")
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

func (s *AuthService) openSession(ctx context.Context, user *models.User, meta models.SessionMetadata) (*AuthResult, error) {
	session, err := s.sessions.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}

	pair, err := s.ledger.Issue(ctx, user, session.ID)
	if err != nil {
		if derr := s.sessions.Destroy(context.WithoutCancel(ctx), session.ID, user.ID); derr != nil {
			s.logger.WithError(derr).Warn("Failed to roll back session after issuance failure")
		}
		return nil, err
	}

	return &AuthResult{User: user, Tokens: pair, SessionID: session.ID}, nil
}

// IssueTokenPair mints a fresh pair for user on a new session.
func (s *AuthService) IssueTokenPair(ctx context.Context, user *models.User, meta models.SessionMetadata) (*AuthResult, error) {
	return s.openSession(ctx, user, meta)
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	rotation, err := s.ledger.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return rotation.Tokens, nil
}

// Authenticate verifies an access token and slides its session.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*Claims, *models.Session, error) {
	claims, err := s.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		return nil, nil, err
	}
	if claims.SessionID == "" {
		return claims, nil, nil
	}

	session, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrRevoked
		}
		return nil, nil, err
	}
	if session.SubjectID != claims.Subject {
		return nil, nil, ErrRevoked
	}
	return claims, session, nil
}

// Logout ends the caller's session. The presented access token is blacklisted
// and the refresh token, if supplied, revoked.
func (s *AuthService) Logout(ctx context.Context, claims *Claims, accessToken, refreshToken string) error {
	if err := s.Blacklist(ctx, accessToken); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := s.ledger.Revoke(ctx, refreshToken); err != nil {
			return err
		}
	}
	if claims.SessionID != "" {
		if err := s.sessions.Destroy(ctx, claims.SessionID, claims.Subject); err != nil {
			return err
		}
	}
	return nil
}

// LogoutAll revokes every refresh token and session of the caller and returns
// the number of sessions ended.
func (s *AuthService) LogoutAll(ctx context.Context, claims *Claims, accessToken string) (int, error) {
	if err := s.Blacklist(ctx, accessToken); err != nil {
		return 0, err
	}
	return s.revokeEverything(ctx, claims.Subject)
}

func (s *AuthService) revokeEverything(ctx context.Context, subjectID string) (int, error) {
	if _, err := s.ledger.RevokeAll(ctx, subjectID); err != nil {
		return 0, err
	}
	n, err := s.sessions.DestroyAll(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{
		"subject_id":         subjectID,
		"sessions_destroyed": n,
	}).Info("Revoked all credentials for subject")
	return n, nil
}

// ChangePassword replaces the password, ends every other credential of the
// user and returns a new pair on a fresh session.
func (s *AuthService) ChangePassword(ctx context.Context, claims *Claims, accessToken, current, next string, meta models.SessionMetadata) (*AuthResult, error) {
	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find user: %v", ErrStoreUnavailable, err)
	}
	if !s.hasher.Compare(current, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if err := password.Validate(next); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if s.hasher.Compare(next, user.PasswordHash) {
		return nil, fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return nil, fmt.Errorf("%w: update password: %v", ErrStoreUnavailable, err)
	}

	if err := s.Blacklist(ctx, accessToken); err != nil {
		return nil, err
	}
	if _, err := s.revokeEverything(ctx, user.ID); err != nil {
		return nil, err
	}

	return s.openSession(ctx, user, meta)
}

// SetActive activates or deactivates an account. Deactivation revokes every
// credential the account holds, including outstanding access tokens.
func (s *AuthService) SetActive(ctx context.Context, subjectID string, active bool) error {
	if err := s.users.SetActive(ctx, subjectID, active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: set active: %v", ErrStoreUnavailable, err)
	}
	if active {
		return nil
	}

	if err := s.revocations.RevokeSubject(ctx, subjectID); err != nil {
		return err
	}
	_, err := s.revokeEverything(ctx, subjectID)
	return err
}

// SetRole changes an account's role. Tokens minted before the change carry
// the old role claim, so every credential of the account is revoked.
func (s *AuthService) SetRole(ctx context.Context, subjectID, role string) (*models.User, error) {
	r, err := models.ParseRole(strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.users.UpdateRole(ctx, subjectID, r); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: update role: %v", ErrStoreUnavailable, err)
	}

	if err := s.revocations.RevokeSubject(ctx, subjectID); err != nil {
		return nil, err
	}
	if _, err := s.revokeEverything(ctx, subjectID); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"role":       r,
	}).Info("Account role changed")
	return s.CurrentUser(ctx, subjectID)
}

func (s *AuthService) VerifyEmail(ctx context.Context, subjectID string) error {
	if err := s.users.VerifyEmail(ctx, subjectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: verify email: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *AuthService) CurrentUser(ctx context.Context, subjectID string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, subjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find user: %v", ErrStoreUnavailable, err)
	}
	return user, nil
}

// Blacklist revokes an access token until its expiry.
func (s *AuthService) Blacklist(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	if err := s.revocations.Revoke(ctx, accessToken); err != nil {
		return err
	}
	s.metrics.AccessTokenRevoked()
	return nil
}

func (s *AuthService) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	return s.revocations.IsRevoked(ctx, token)
}

func (s *AuthService) Sessions() *SessionService {
	return s.sessions
}

func (s *AuthService) TwoFactor() *TwoFactorService {
	return s.twoFactor
}
