package handlers

import (
	"net/http"
	"strings"

	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	responder
	auth *service.AuthService
}

func NewAuthHandlers(auth *service.AuthService, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		responder: responder{logger: logger},
		auth:      auth,
	}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Device   string `json:"device"`
}

type LoginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	TwoFactorToken string `json:"two_factor_token"`
	Device         string `json:"device"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	Device          string `json:"device"`
}

type AuthResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	SessionID    string       `json:"session_id"`
	User         *models.User `json:"user"`
}

type LogoutAllResponse struct {
	Message         string `json:"message"`
	SessionsRevoked int    `json:"sessions_revoked"`
}

func newAuthResponse(res *service.AuthResult) AuthResponse {
	return AuthResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		TokenType:    res.Tokens.TokenType,
		ExpiresIn:    res.Tokens.ExpiresIn,
		SessionID:    res.SessionID,
		User:         res.User,
	}
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}

	res, err := h.auth.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	}, sessionMetadata(r, req.Device))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, newAuthResponse(res))
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}

	res, err := h.auth.Login(r.Context(), service.LoginInput{
		Email:          req.Email,
		Password:       req.Password,
		TwoFactorToken: strings.TrimSpace(req.TwoFactorToken),
	}, sessionMetadata(r, req.Device))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, newAuthResponse(res))
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	var req LogoutRequest
	if !h.decodeJSON(w, r, &req, true) {
		return
	}

	if err := h.auth.Logout(r.Context(), claims, middleware.AccessTokenFromContext(r.Context()), req.RefreshToken); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	n, err := h.auth.LogoutAll(r.Context(), claims, middleware.AccessTokenFromContext(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, LogoutAllResponse{
		Message:         "Logged out from all sessions",
		SessionsRevoked: n,
	})
}

func (h *AuthHandlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}

	res, err := h.auth.ChangePassword(
		r.Context(),
		claims,
		middleware.AccessTokenFromContext(r.Context()),
		req.CurrentPassword,
		req.NewPassword,
		sessionMetadata(r, req.Device),
	)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, newAuthResponse(res))
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	user, err := h.auth.CurrentUser(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, user)
}
