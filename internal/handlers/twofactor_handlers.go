package handlers

import (
	"net/http"
	"strings"

	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

type TwoFactorHandlers struct {
	responder
	twoFactor *service.TwoFactorService
}

func NewTwoFactorHandlers(twoFactor *service.TwoFactorService, logger *logrus.Logger) *TwoFactorHandlers {
	return &TwoFactorHandlers{
		responder: responder{logger: logger},
		twoFactor: twoFactor,
	}
}

type TwoFactorTokenRequest struct {
	Token string `json:"token"`
}

type BackupCodesResponse struct {
	Message     string   `json:"message"`
	BackupCodes []string `json:"backup_codes"`
}

// token decodes a {"token": "..."} body, rejecting an empty value.
func (h *TwoFactorHandlers) token(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req TwoFactorTokenRequest
	if !h.decodeJSON(w, r, &req, false) {
		return "", false
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Two-factor token is required")
		return "", false
	}
	return token, true
}

func (h *TwoFactorHandlers) Setup(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	setup, err := h.twoFactor.Setup(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, setup)
}

func (h *TwoFactorHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	token, ok := h.token(w, r)
	if !ok {
		return
	}

	codes, err := h.twoFactor.VerifyAndEnable(r.Context(), claims.Subject, token)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, BackupCodesResponse{
		Message:     "Two-factor authentication enabled. Store these backup codes safely, they will not be shown again.",
		BackupCodes: codes,
	})
}

func (h *TwoFactorHandlers) Disable(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	token, ok := h.token(w, r)
	if !ok {
		return
	}

	if err := h.twoFactor.Disable(r.Context(), claims.Subject, token); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Two-factor authentication disabled"})
}

func (h *TwoFactorHandlers) Status(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	status, err := h.twoFactor.Status(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, status)
}

func (h *TwoFactorHandlers) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	token, ok := h.token(w, r)
	if !ok {
		return
	}

	codes, err := h.twoFactor.RegenerateBackupCodes(r.Context(), claims.Subject, token)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, BackupCodesResponse{
		Message:     "Backup codes regenerated",
		BackupCodes: codes,
	})
}
