package search

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/euaiact-search/internal/api"
	"github.com/go-chi/chi/v5"
)

const maxRequestBodySize = 64 << 10

// Searcher runs article searches.
type Searcher interface {
	Search(ctx context.Context, query, language string, rerank bool) ([]Result, error)
	Status(ctx context.Context) (IndexStatus, error)
}

// Handler serves the search routes.
type Handler struct {
	searcher     Searcher
	hasVisionKey bool
}

// NewHandler creates a search handler.
func NewHandler(searcher Searcher, hasVisionKey bool) *Handler {
	return &Handler{searcher: searcher, hasVisionKey: hasVisionKey}
}

// RegisterRoutes registers the search routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/search", h.HandleSearch)
	r.Get("/api/index/status", h.HandleIndexStatus)
}

// HandleSearch handles POST /api/search.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := api.DecodeJSON(w, r, maxRequestBodySize, &req); err != nil {
		api.Error(w, http.StatusBadRequest, `Missing or invalid "query" field`)
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		api.Error(w, http.StatusBadRequest, "Query cannot be empty")
		return
	}
	language := req.Language
	if language == "" {
		language = "en"
	}
	if language != "en" && language != "de" {
		api.Error(w, http.StatusBadRequest, `Unsupported "language", use "en" or "de"`)
		return
	}

	start := time.Now()
	results, err := h.searcher.Search(r.Context(), query, language, req.Rerank)
	took := time.Since(start).Milliseconds()
	if err != nil {
		slog.Error("Search failed", "error", err, "reranked", req.Rerank, "language", language)
		switch {
		case errors.Is(err, ErrNotConfigured):
			api.Error(w, http.StatusServiceUnavailable, "Elasticsearch not configured. Set ELASTICSEARCH_URL and ELASTIC_API_KEY.")
		case errors.Is(err, ErrIndexNotFound):
			api.Error(w, http.StatusServiceUnavailable, "Search index not found. Ingest the EU AI Act articles first.")
		default:
			api.Error(w, http.StatusInternalServerError, "Search failed. Please try again.")
		}
		return
	}

	slog.Info("Search completed",
		"results", len(results),
		"reranked", req.Rerank,
		"language", language,
		"took_ms", took,
	)
	api.JSON(w, http.StatusOK, Response{
		Results:  results,
		Query:    query,
		Reranked: req.Rerank,
		Took:     took,
	})
}

// HandleIndexStatus handles GET /api/index/status.
func (h *Handler) HandleIndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.searcher.Status(r.Context())
	status.HasVisionKey = h.hasVisionKey
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			api.JSON(w, http.StatusOK, status)
			return
		}
		slog.Error("Index status check failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "Failed to read index status.")
		return
	}
	api.JSON(w, http.StatusOK, status)
}
