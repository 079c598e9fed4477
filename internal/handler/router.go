package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/service"
)

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(
	cfg config.ServerConfig,
	accountHandler *AccountHandler,
	health *HealthHandler,
	verifier TokenVerifier,
	logger *zap.Logger,
) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS(logger))
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	router.Use(RequestInfo)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, logger, service.ErrRouteNotFound)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, logger, service.ErrMethodNotAllowed)
	})

	router.Method(http.MethodGet, "/health", health)

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(OptionalAuth(verifier, logger))
		accountHandler.RegisterRoutes(r)
	})

	return router
}
