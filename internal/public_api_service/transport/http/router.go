package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/aradsms/messaging_dispatcher/internal/public_api_service/middleware"
)

// NewRouter wires the public API. Callback routes are unauthenticated; message routes need
// a bearer token.
func NewRouter(messages *MessageHandler, callbacks *CallbackHandler, verifier *middleware.TokenVerifier, requestTimeout time.Duration, logger *slog.Logger) chi.Router {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()
	// Base middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))
	r.Use(PrometheusMetricsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Provider callbacks, no auth
	callbacks.RegisterRoutes(r)

	r.Group(func(protected chi.Router) {
		protected.Use(middleware.AuthMiddleware(verifier, logger))
		messages.RegisterRoutes(protected)
	})
	return r
}
