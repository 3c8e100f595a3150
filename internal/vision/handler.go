package vision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/euaiact-search/internal/api"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxImageBytes = 10 << 20
	multipartOverhead    = 1 << 20
	coldStartMessage     = "The Vision AI service is warming up. Please try again in about 30 seconds."
)

// Analyzer describes images.
type Analyzer interface {
	Analyze(ctx context.Context, mimeType string, data []byte) (string, error)
	Warmup(ctx context.Context) (string, error)
}

// Handler serves the vision routes. Concurrent uploads of the same image
// share one upstream call.
type Handler struct {
	analyzer      Analyzer
	maxImageBytes int64
	group         singleflight.Group
}

// NewHandler creates a vision handler.
func NewHandler(analyzer Analyzer, maxImageBytes int64) *Handler {
	if maxImageBytes <= 0 {
		maxImageBytes = defaultMaxImageBytes
	}
	return &Handler{analyzer: analyzer, maxImageBytes: maxImageBytes}
}

// RegisterRoutes registers the vision routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/vision", h.HandleAnalyze)
	r.Post("/api/vision/warmup", h.HandleWarmup)
	r.Get("/api/vision", func(w http.ResponseWriter, _ *http.Request) {
		api.Error(w, http.StatusMethodNotAllowed, "Method not allowed. Use POST with multipart/form-data.")
	})
}

// HandleAnalyze handles POST /api/vision.
//
//nolint:gocyclo // Upload validation and upstream error mapping stay together.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	reqID := chiMiddleware.GetReqID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+multipartOverhead)

	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, h.tooLargeMessage())
			return
		}
		api.Error(w, http.StatusBadRequest, `No image file provided. Include a file field named "image".`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		slog.Warn("Failed to read uploaded image", "error", err, "request_id", reqID)
		api.Error(w, http.StatusBadRequest, "Could not read the uploaded image.")
		return
	}
	if int64(len(data)) > h.maxImageBytes {
		api.Error(w, http.StatusRequestEntityTooLarge, h.tooLargeMessage())
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		api.Error(w, http.StatusBadRequest, "Uploaded file is not an image.")
		return
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	// The shared call outlives any single requester's disconnect.
	ctx := context.WithoutCancel(r.Context())
	ch := h.group.DoChan(key, func() (any, error) {
		return h.analyzer.Analyze(ctx, mimeType, data)
	})

	var res singleflight.Result
	select {
	case <-r.Context().Done():
		slog.Info("Vision request abandoned by client", "request_id", reqID)
		return
	case res = <-ch:
	}

	if res.Err != nil {
		h.writeFailure(w, res.Err, reqID)
		return
	}
	slog.Info("Vision analysis completed",
		"bytes", len(data),
		"mime_type", mimeType,
		"shared", res.Shared,
		"request_id", reqID,
	)
	api.JSON(w, http.StatusOK, map[string]string{"analysis": res.Val.(string)})
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error, reqID string) {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrNotConfigured):
		api.Error(w, http.StatusServiceUnavailable, "JINA_API_KEY is not configured on the server.")
	case errors.Is(err, ErrColdStart):
		slog.Warn("Vision model still cold after retries", "error", err, "request_id", reqID)
		api.JSON(w, http.StatusBadGateway, map[string]any{
			"error":     coldStartMessage,
			"coldStart": true,
		})
	case errors.As(err, &statusErr):
		slog.Error("Vision model error", "status", statusErr.StatusCode, "body", statusErr.Body, "request_id", reqID)
		api.Error(w, http.StatusInternalServerError, fmt.Sprintf("Vision analysis failed (%d).", statusErr.StatusCode))
	case errors.Is(err, ErrEmptyAnalysis):
		slog.Error("Unexpected vision model response", "error", err, "request_id", reqID)
		api.Error(w, http.StatusInternalServerError, "Vision model returned an empty or unexpected response.")
	default:
		slog.Error("Vision request failed", "error", err, "request_id", reqID)
		api.Error(w, http.StatusInternalServerError, "An unexpected error occurred during vision analysis.")
	}
}

// HandleWarmup handles POST /api/vision/warmup.
func (h *Handler) HandleWarmup(w http.ResponseWriter, r *http.Request) {
	status, err := h.analyzer.Warmup(r.Context())
	if err != nil {
		api.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "reason": "no_api_key"})
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) tooLargeMessage() string {
	return fmt.Sprintf("Image exceeds the %d MB upload limit.", h.maxImageBytes>>20)
}
