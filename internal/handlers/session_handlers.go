package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

type SessionHandlers struct {
	responder
	sessions *service.SessionService
}

func NewSessionHandlers(sessions *service.SessionService, logger *logrus.Logger) *SessionHandlers {
	return &SessionHandlers{
		responder: responder{logger: logger},
		sessions:  sessions,
	}
}

type SessionResponse struct {
	ID           string    `json:"id"`
	IP           string    `json:"ip"`
	Device       string    `json:"device"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsCurrent    bool      `json:"is_current"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

type RevokeSessionsResponse struct {
	Message      string `json:"message"`
	RevokedCount int    `json:"revoked_count"`
}

func (h *SessionHandlers) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	sessions, err := h.sessions.ListForSubject(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	resp := SessionListResponse{
		Sessions: make([]SessionResponse, 0, len(sessions)),
		Total:    len(sessions),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionResponse{
			ID:           s.ID,
			IP:           s.IP,
			Device:       s.Device,
			UserAgent:    s.UserAgent,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			IsCurrent:    s.ID == claims.SessionID,
		})
	}

	h.respondWithJSON(w, http.StatusOK, resp)
}

// Revoke ends one of the caller's sessions. Ids belonging to someone else are
// reported as not found.
func (h *SessionHandlers) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	sessions, err := h.sessions.ListForSubject(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	owned := false
	for _, s := range sessions {
		if s.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		h.respondWithError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found")
		return
	}

	if err := h.sessions.Destroy(r.Context(), id, claims.Subject); err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Session revoked successfully"})
}

func (h *SessionHandlers) RevokeAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	n, err := h.sessions.DestroyAll(r.Context(), claims.Subject)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, RevokeSessionsResponse{
		Message:      "All sessions revoked successfully",
		RevokedCount: n,
	})
}
