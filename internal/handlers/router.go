package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/authcore/internal/metrics"
	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

type RouterOptions struct {
	// MetricsHandler is mounted at MetricsPath when non-nil.
	MetricsHandler http.Handler
	MetricsPath    string
	Metrics        *metrics.Metrics
}

func NewRouter(auth *service.AuthService, opts RouterOptions, logger *logrus.Logger) *mux.Router {
	authHandlers := NewAuthHandlers(auth, logger)
	sessionHandlers := NewSessionHandlers(auth.Sessions(), logger)
	twoFactorHandlers := NewTwoFactorHandlers(auth.TwoFactor(), logger)
	adminHandlers := NewAdminHandlers(auth, logger)
	authMiddleware := middleware.NewAuthMiddleware(auth, logger)

	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.RequireAuth(h)
	}

	router := mux.NewRouter()

	router.Use(middleware.CORSMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware(opts.Metrics))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")

	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, opts.MetricsHandler).Methods("GET")
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	authRoutes := api.PathPrefix("/auth").Subrouter()
	authRoutes.HandleFunc("/register", authHandlers.Register).Methods("POST", "OPTIONS")
	authRoutes.HandleFunc("/login", authHandlers.Login).Methods("POST", "OPTIONS")
	authRoutes.HandleFunc("/refresh", authHandlers.RefreshToken).Methods("POST", "OPTIONS")
	authRoutes.Handle("/logout", protected(authHandlers.Logout)).Methods("POST", "OPTIONS")
	authRoutes.Handle("/logout-all", protected(authHandlers.LogoutAll)).Methods("POST", "OPTIONS")

	api.Handle("/sessions", protected(sessionHandlers.List)).Methods("GET", "OPTIONS")
	api.Handle("/sessions", protected(sessionHandlers.RevokeAll)).Methods("DELETE")
	api.Handle("/sessions/{id}", protected(sessionHandlers.Revoke)).Methods("DELETE", "OPTIONS")

	api.Handle("/me", protected(authHandlers.Me)).Methods("GET", "OPTIONS")
	api.Handle("/users/change-password", protected(authHandlers.ChangePassword)).Methods("POST", "OPTIONS")

	twoFactor := api.PathPrefix("/2fa").Subrouter()
	twoFactor.Use(authMiddleware.RequireAuth)
	twoFactor.HandleFunc("/setup", twoFactorHandlers.Setup).Methods("POST", "OPTIONS")
	twoFactor.HandleFunc("/verify", twoFactorHandlers.Verify).Methods("POST", "OPTIONS")
	twoFactor.HandleFunc("/disable", twoFactorHandlers.Disable).Methods("POST", "OPTIONS")
	twoFactor.HandleFunc("/status", twoFactorHandlers.Status).Methods("GET", "OPTIONS")
	twoFactor.HandleFunc("/backup-codes", twoFactorHandlers.RegenerateBackupCodes).Methods("POST", "OPTIONS")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authMiddleware.RequireAuth)
	admin.Use(middleware.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/users/{id}", adminHandlers.GetUser).Methods("GET", "OPTIONS")
	admin.HandleFunc("/users/{id}/role", adminHandlers.SetRole).Methods("PUT", "OPTIONS")
	admin.HandleFunc("/users/{id}/deactivate", adminHandlers.Deactivate).Methods("POST", "OPTIONS")
	admin.HandleFunc("/users/{id}/activate", adminHandlers.Activate).Methods("POST", "OPTIONS")
	admin.HandleFunc("/users/{id}/verify-email", adminHandlers.VerifyEmail).Methods("POST", "OPTIONS")

	return router
}
