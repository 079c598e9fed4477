package handler

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/auth"
	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const bearerPrefix = "Bearer "

// TokenVerifier decodes a bearer token into claims.
type TokenVerifier interface {
	Verify(tokenString string) (*token.Claims, error)
}

// bearerToken returns the credential of an "Authorization: Bearer <token>"
// header. The scheme is matched exactly; any other header is anonymous.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(bearerPrefix):]), true
}

// OptionalAuth attaches the caller identity when a valid bearer token is
// present. Requests without one continue anonymously; requests with a bad
// one are rejected.
func OptionalAuth(verifier TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := verifier.Verify(raw)
			if err != nil {
				respondWithError(w, r, logger, service.ErrInvalidToken)
				return
			}
			ctx := auth.WithIdentity(r.Context(), auth.Identity{
				AccountID: claims.AccountID(),
				Role:      claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth only checks for an identity attached by OptionalAuth.
func RequireAuth(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.FromContext(r.Context()); !ok {
				respondWithError(w, r, logger, service.ErrAuthRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AllowRoles admits identities holding one of roles.
func AllowRoles(logger *zap.Logger, roles ...models.Role) func(http.Handler) http.Handler {
	allowed := append([]models.Role(nil), roles...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok {
				respondWithError(w, r, logger, service.ErrAuthRequired)
				return
			}
			if !id.HasRole(allowed...) {
				logger.Info("Role check denied",
					zap.String("user_id", id.AccountID),
					zap.String("role", string(id.Role)),
					zap.String("path", r.URL.Path))
				respondWithError(w, r, logger, service.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestInfo exposes the client address and request id to audit events.
// It must run after middleware.RequestID and middleware.RealIP.
func RequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := audit.WithRequestInfo(r.Context(), audit.RequestInfo{
			IPAddress: ip,
			RequestID: middleware.GetReqID(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireHTTPS rejects plain HTTP unless a trusted proxy reports TLS.
func requireHTTPS(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
				logger.Debug("Rejected plain HTTP request", zap.String("path", r.URL.Path))
				respondWithJSON(w, http.StatusUpgradeRequired, ErrorResponse{
					ErrorCode: "HTTPS_REQUIRED",
					Message:   "HTTPS is required",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				fields := []zap.Field{
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
					util.String("request_id", middleware.GetReqID(r.Context())),
				}
				logger.Info("HTTP request", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
