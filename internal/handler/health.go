package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const healthTimeout = 3 * time.Second

// HealthChecker is any dependency that can report its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler checks every registered dependency concurrently.
type HealthHandler struct {
	checks map[string]HealthChecker
	logger *zap.Logger
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: make(map[string]HealthChecker), logger: logger}
}

// Register adds a named dependency. It is not safe to call once serving.
func (h *HealthHandler) Register(name string, check HealthChecker) *HealthHandler {
	h.checks[name] = check
	return h
}

type healthReport struct {
	Status       string            `json:"status"`
	Service      string            `json:"service"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	report := healthReport{Status: "healthy", Service: "identity-service", Dependencies: map[string]string{}}
	var mu sync.Mutex
	var g errgroup.Group

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		name, check := name, h.checks[name]
		g.Go(func() error {
			status := "ok"
			if err := check.HealthCheck(ctx); err != nil {
				h.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.Error(err))
				status = "unavailable"
			}
			mu.Lock()
			report.Dependencies[name] = status
			if status != "ok" {
				report.Status = "unhealthy"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if report.Status != "healthy" {
		respondWithJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			ErrorCode: "SERVICE_UNAVAILABLE",
			Message:   "Service unhealthy",
			Details:   report,
		})
		return
	}
	respondSuccess(w, r, http.StatusOK, "Service is healthy", report)
}
