package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// Check probes one upstream dependency.
type Check func(ctx context.Context) error

// Features reports which upstream integrations are configured.
type Features struct {
	VisionEnabled bool `json:"vision_enabled"`
	SearchEnabled bool `json:"search_enabled"`
	AgentEnabled  bool `json:"agent_enabled"`
}

// StatusHandler serves the frontend configuration and dependency health.
type StatusHandler struct {
	features Features
	checks   map[string]Check
	timeout  time.Duration
}

// NewStatusHandler creates a status handler. checks may be nil.
func NewStatusHandler(features Features, checks map[string]Check, timeout time.Duration) *StatusHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatusHandler{features: features, checks: checks, timeout: timeout}
}

// RegisterRoutes registers the status routes.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/health", h.Health)
}

// GetConfig returns the enabled features for the frontend.
func (h *StatusHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.features)
}

// Health returns the health status of the API and its upstreams.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
	})
}
