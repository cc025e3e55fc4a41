package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edconnect-jp/roster-bridge/domains/roster/be/ingest"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/schema"
	"github.com/edconnect-jp/roster-bridge/domains/roster/be/service"
	"github.com/edconnect-jp/roster-bridge/platform/go/auth"
	platformlogging "github.com/edconnect-jp/roster-bridge/platform/go/logging"
	"github.com/edconnect-jp/roster-bridge/platform/go/persistence"
)

const (
	problemTypeValidation = "https://roster-bridge.edconnect.jp/problems/validation-error"
	problemTypeNotFound   = "https://roster-bridge.edconnect.jp/problems/not-found"
	problemTypePayload    = "https://roster-bridge.edconnect.jp/problems/payload-too-large"
	problemTypeInternal   = "https://roster-bridge.edconnect.jp/problems/internal-error"
)

// Delta pagination bounds. The default keeps unbounded polling clients from
// pulling the whole table; the cap bounds a single response regardless of
// what the caller asks for.
const (
	defaultDeltaLimit = 100
	maxDeltaLimit     = 1000
)

type operation string

const (
	listOperation   operation = "listEntities"
	deltaOperation  operation = "deltaEntities"
	getOperation    operation = "getEntity"
	uploadOperation operation = "uploadCSV"
)

// problemDetails is the RFC 7807 error body used by every endpoint.
type problemDetails struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler wires the roster service to the HTTP surface.
type Handler struct {
	svc      service.Service
	registry *auth.Registry
	logger   *zap.Logger
	jobs     *jobTracker
	maxBytes int64
}

// New constructs a Handler instance.
func New(svc service.Service, registry *auth.Registry, logger *zap.Logger, maxUploadBytes int64) *Handler {
	if svc == nil {
		panic("roster service is required")
	}
	if registry == nil {
		panic("api key registry is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}

	return &Handler{
		svc:      svc,
		registry: registry,
		logger:   logger,
		jobs:     newJobTracker(),
		maxBytes: maxUploadBytes,
	}
}

// Register mounts every roster route on the given router. Static segments
// win over the {entityType} wildcard, so /csv and /upload coexist with the
// entity collections.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(auth.ScopeRead))
		r.Get("/{entityType}", h.list)
		r.Get("/{entityType}/delta", h.delta)
		r.Get("/{entityType}/{sourcedID}", h.get)
		r.Get("/upload/jobs/{jobID}", h.getUploadJob)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(auth.ScopeWrite))
		r.Post("/csv", h.uploadCSV)
		r.Post("/upload", h.uploadBundle)
		r.Post("/upload-sync", h.uploadBundleSync)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireScope(auth.ScopeAdmin))
		r.Get("/api-keys", h.listAPIKeys)
		r.Post("/api-keys/reload", h.reloadAPIKeys)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}

	opts := service.ListOptions{}
	if limit, ok, err := queryInt(r, "limit"); err != nil {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation)
		return
	} else if ok {
		opts.Limit = &limit
	}
	if offset, ok, err := queryInt(r, "offset"); err != nil {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation)
		return
	} else if ok {
		opts.Offset = &offset
	}

	page, err := h.svc.List(r.Context(), kind, opts)
	if err != nil {
		h.problemForError(r.Context(), w, err, listOperation)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) delta(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}

	opts := service.DeltaOptions{}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := schema.ParseDateTime(raw)
		if err != nil {
			h.writeProblem(w, http.StatusBadRequest, "Validation failed",
				"since must be an ISO 8601 timestamp", problemTypeValidation)
			return
		}
		opts.Since = &since
	}

	limit := defaultDeltaLimit
	if parsed, ok, err := queryInt(r, "limit"); err != nil {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation)
		return
	} else if ok {
		limit = parsed
	}
	if limit > maxDeltaLimit {
		limit = maxDeltaLimit
	}
	opts.Limit = &limit

	if offset, ok, err := queryInt(r, "offset"); err != nil {
		h.writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), problemTypeValidation)
		return
	} else if ok {
		opts.Offset = &offset
	}

	page, err := h.svc.Delta(r.Context(), kind, opts)
	if err != nil {
		h.problemForError(r.Context(), w, err, deltaOperation)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kindParam(w, r)
	if !ok {
		return
	}

	view, err := h.svc.Get(r.Context(), kind, chi.URLParam(r, "sourcedID"))
	if err != nil {
		h.problemForError(r.Context(), w, err, getOperation)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": h.registry.Keys()})
}

func (h *Handler) reloadAPIKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Reload(); err != nil {
		h.loggerFrom(r.Context()).Error("api key reload failed", zap.Error(err))
		h.writeProblem(w, http.StatusInternalServerError, "Internal server error",
			"failed to reload the api key file", problemTypeInternal)
		return
	}

	keys := h.registry.Keys()
	h.loggerFrom(r.Context()).Info("api keys reloaded", zap.Int("key_count", len(keys)))
	h.writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "keyCount": len(keys)})
}

func (h *Handler) kindParam(w http.ResponseWriter, r *http.Request) (persistence.Kind, bool) {
	kind, err := persistence.ParseKind(chi.URLParam(r, "entityType"))
	if err != nil {
		h.writeProblem(w, http.StatusNotFound, "Resource not found", err.Error(), problemTypeNotFound)
		return "", false
	}
	return kind, true
}

func queryInt(r *http.Request, name string) (int, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false, errors.New(name + " must be a non-negative integer")
	}
	return value, true, nil
}

func (h *Handler) problemForError(ctx context.Context, w http.ResponseWriter, err error, op operation) {
	status, title, detail, problemType := classifyError(err)

	logger := h.loggerFrom(ctx)
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("status", status),
	}

	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("roster operation failed", append(fields, zap.Error(err))...)
	case status == http.StatusNotFound:
		logger.Info("roster resource not found", append(fields, zap.Error(err))...)
	default:
		logger.Warn("roster request rejected", append(fields, zap.Error(err))...)
	}

	h.writeProblem(w, status, title, detail, problemType)
}

func classifyError(err error) (status int, title, detail, problemType string) {
	var structural *service.StructuralError
	switch {
	case errors.As(err, &structural):
		return http.StatusBadRequest,
			"Validation failed",
			structural.Error(),
			problemTypeValidation
	case errors.Is(err, ingest.ErrEmptyFile):
		return http.StatusBadRequest,
			"Validation failed",
			"the uploaded file contains no header row",
			problemTypeValidation
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound,
			"Resource not found",
			"no entity with that sourcedId",
			problemTypeNotFound
	default:
		return http.StatusInternalServerError,
			"Internal server error",
			"an unexpected error occurred",
			problemTypeInternal
	}
}

func (h *Handler) writeProblem(w http.ResponseWriter, status int, title, detail, problemType string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetails{
		Type:   problemType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response encoding failed", zap.Error(err))
	}
}

func (h *Handler) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return h.logger
}
