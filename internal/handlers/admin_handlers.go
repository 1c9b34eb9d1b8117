package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

// AdminHandlers manage other accounts. The router guards them with
// RequireRole(models.RoleAdmin).
type AdminHandlers struct {
	responder
	auth *service.AuthService
}

type SetRoleRequest struct {
	Role string `json:"role"`
}

func NewAdminHandlers(auth *service.AuthService, logger *logrus.Logger) *AdminHandlers {
	return &AdminHandlers{
		responder: responder{logger: logger},
		auth:      auth,
	}
}

func (h *AdminHandlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *AdminHandlers) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AdminHandlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := mux.Vars(r)["id"]
	if err := h.auth.SetActive(r.Context(), id, active); err != nil {
		h.respondWithAdminError(w, err)
		return
	}

	action := "deactivated"
	if active {
		action = "activated"
	}
	h.logger.WithFields(logrus.Fields{
		"subject_id": id,
		"action":     action,
	}).Info("Account status changed")
	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "User " + action})
}

func (h *AdminHandlers) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.CurrentUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithAdminError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, user)
}

// SetRole ends every credential of the target account; it signs in again
// with the new role.
func (h *AdminHandlers) SetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	if req.Role == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "role is required")
		return
	}

	user, err := h.auth.SetRole(r.Context(), mux.Vars(r)["id"], req.Role)
	if err != nil {
		h.respondWithAdminError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, user)
}

func (h *AdminHandlers) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.VerifyEmail(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondWithAdminError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Email verified"})
}

// An unknown target account is a 404 here, not a credential rejection.
func (h *AdminHandlers) respondWithAdminError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrNotFound) {
		h.respondWithError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}
	h.respondWithServiceError(w, err)
}
