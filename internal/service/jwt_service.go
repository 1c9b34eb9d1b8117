package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/authcore/internal/config"
	"github.com/qcom/authcore/internal/models"
	"github.com/sirupsen/logrus"
)

// TokenKind tags a claim set so that an access token can never be accepted
// where a refresh token is expected and vice versa.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// ClaimsVersion is bumped whenever the claim layout changes.
const ClaimsVersion = 1

type Claims struct {
	Version   int         `json:"ver"`
	Kind      TokenKind   `json:"kind"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role,omitempty"`
	SessionID string      `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) SubjectID() string {
	return c.Subject
}

// IssuedToken is a signed token together with the claims it carries.
type IssuedToken struct {
	Token  string
	Claims *Claims
}

type JWTService struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	revocations   *RevocationRegistry
	failOpen      bool
	logger        *logrus.Logger
	now           func() time.Time
}

func NewJWTService(cfg *config.JWTConfig, revocations *RevocationRegistry, failOpen bool, logger *logrus.Logger) (*JWTService, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, fmt.Errorf("secret keys must be at least 32 bytes")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if revocations == nil {
		return nil, fmt.Errorf("revocation registry is required")
	}

	return &JWTService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		revocations:   revocations,
		failOpen:      failOpen,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *JWTService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

func (s *JWTService) RefreshExpiry() time.Duration {
	return s.refreshExpiry
}

func (s *JWTService) IssueAccess(subject models.SubjectClaims) (*IssuedToken, error) {
	claims := s.newClaims(subject, KindAccess, s.accessExpiry)
	claims.Role = subject.Role
	return s.sign(claims, s.accessSecret)
}

// IssueRefresh signs a refresh token. Refresh claims carry no role; the role
// is re-read from the user store on rotation.
func (s *JWTService) IssueRefresh(subject models.SubjectClaims) (*IssuedToken, error) {
	claims := s.newClaims(subject, KindRefresh, s.refreshExpiry)
	return s.sign(claims, s.refreshSecret)
}

func (s *JWTService) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return s.verify(ctx, token, KindAccess, s.accessSecret)
}

func (s *JWTService) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	return s.verify(ctx, token, KindRefresh, s.refreshSecret)
}

func (s *JWTService) newClaims(subject models.SubjectClaims, kind TokenKind, ttl time.Duration) *Claims {
	now := s.now()
	return &Claims{
		Version:   ClaimsVersion,
		Kind:      kind,
		Email:     subject.Email,
		SessionID: subject.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func (s *JWTService) sign(claims *Claims, secret []byte) (*IssuedToken, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		s.logger.WithError(err).WithField("kind", claims.Kind).Error("Failed to sign token")
		return nil, fmt.Errorf("failed to sign %s token: %w", claims.Kind, err)
	}
	return &IssuedToken{Token: token, Claims: claims}, nil
}

func (s *JWTService) verify(ctx context.Context, tokenString string, kind TokenKind, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMalformedToken
	}

	// The blacklist is consulted before any cryptographic work.
	revoked, err := s.revocations.IsRevoked(ctx, tokenString)
	if err != nil {
		if !s.failOpen {
			return nil, err
		}
		s.logger.WithError(err).Warn("Revocation check failed, continuing under fail-open policy")
	}
	if revoked {
		return nil, ErrRevoked
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidSignature
	}
	if claims.Version != ClaimsVersion || claims.Subject == "" || claims.IssuedAt == nil {
		return nil, ErrMalformedToken
	}
	if claims.Kind != kind {
		return nil, ErrInvalidSignature
	}
	if kind == KindAccess && !claims.Role.Valid() {
		return nil, ErrMalformedToken
	}

	cutoff, err := s.revocations.SubjectCutoff(ctx, claims.Subject)
	if err != nil {
		if !s.failOpen {
			return nil, err
		}
		s.logger.WithError(err).Warn("Subject cutoff check failed, continuing under fail-open policy")
	}
	if !cutoff.IsZero() && claims.IssuedAt.Time.Before(cutoff) {
		return nil, ErrRevoked
	}

	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrInvalidSignature
	default:
		return ErrMalformedToken
	}
}

// HashToken returns the hex SHA-256 of a token string. Stores key on this
// value so raw tokens are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// unverifiedExpiry reads the exp claim without checking the signature.
func unverifiedExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// MinSigningSecretBytes is the smallest HS256 key NewSigningSecret produces.
const MinSigningSecretBytes = 32

// NewSigningSecret returns size random bytes, base64url encoded without
// padding, for use as JWT_ACCESS_SECRET or JWT_REFRESH_SECRET.
func NewSigningSecret(size int) (string, error) {
	if size < MinSigningSecretBytes {
		return "", fmt.Errorf("%w: signing secrets need at least %d bytes", ErrInvalidInput, MinSigningSecretBytes)
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}
