package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	claimsKey      contextKey = "claims"
	accessTokenKey contextKey = "access_token"
	sessionKey     contextKey = "session"
)

// GenericAuthMessage is the only message a caller ever sees for a rejected
// credential, whatever the underlying reason.
const GenericAuthMessage = "invalid or expired credential"

// Authenticator verifies an access token and resolves its session.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*service.Claims, *models.Session, error)
}

type AuthMiddleware struct {
	auth   Authenticator
	logger *logrus.Logger
}

func NewAuthMiddleware(auth Authenticator, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		auth:   auth,
		logger: logger,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", GenericAuthMessage)
			return
		}

		claims, session, err := m.auth.Authenticate(r.Context(), tokenString)
		if err != nil {
			if errors.Is(err, service.ErrStoreUnavailable) {
				m.logger.WithError(err).Error("Credential store unavailable during authentication")
				writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
				return
			}
			m.logger.WithError(err).Debug("Token verification failed")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", GenericAuthMessage)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, accessTokenKey, tokenString)
		if session != nil {
			ctx = context.WithValue(ctx, sessionKey, session)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers whose role does not reach min. It must run
// after RequireAuth.
func RequireRole(min models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", GenericAuthMessage)
				return
			}
			if !claims.Role.AtLeast(min) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*service.Claims)
	return claims, ok && claims != nil
}

func AccessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey).(string)
	return token
}

func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(sessionKey).(*models.Session)
	return session, ok && session != nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
