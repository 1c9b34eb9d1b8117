package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// responder is embedded by every handler group.
type responder struct {
	logger *logrus.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("Failed to write response body")
	}
}

func (h responder) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// respondWithServiceError maps a service error onto the HTTP surface. Every
// authentication rejection collapses into one 401 so the reason is never
// revealed to the caller.
func (h responder) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.WithError(err).Error("Credential store unavailable")
		h.respondWithError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
	case errors.Is(err, service.ErrTwoFactorRequired):
		h.respondWithError(w, http.StatusUnauthorized, "TWO_FACTOR_REQUIRED", "Two-factor token required")
	case errors.Is(err, service.ErrInvalidInput):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, service.ErrEmailTaken):
		h.respondWithError(w, http.StatusConflict, "EMAIL_TAKEN", "Email already registered")
	case errors.Is(err, service.ErrAlreadyEnabled):
		h.respondWithError(w, http.StatusConflict, "TWO_FACTOR_ALREADY_ENABLED", "Two-factor authentication is already enabled")
	case errors.Is(err, service.ErrNotEnabled):
		h.respondWithError(w, http.StatusConflict, "TWO_FACTOR_NOT_ENABLED", "Two-factor authentication is not enabled")
	case service.IsAuthRejection(err):
		h.logger.WithError(err).Debug("Credential rejected")
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", middleware.GenericAuthMessage)
	default:
		h.logger.WithError(err).Error("Request failed")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// decodeJSON reads a JSON body into dst. An empty body is accepted when
// optional is set.
func (h responder) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
	return false
}

// claims returns the authenticated caller. Routes using it are always behind
// RequireAuth; the check only guards against a miswired router.
func (h responder) claims(w http.ResponseWriter, r *http.Request) (*service.Claims, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", middleware.GenericAuthMessage)
	}
	return claims, ok
}

func sessionMetadata(r *http.Request, device string) models.SessionMetadata {
	return models.SessionMetadata{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Device:    strings.TrimSpace(device),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
