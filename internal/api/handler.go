// Package api serves the compiler and schema cache over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/drift"
	"github.com/nidhogg/flowforge/internal/events"
	"github.com/nidhogg/flowforge/internal/knowledge"
	"github.com/nidhogg/flowforge/internal/patterns"
	"github.com/nidhogg/flowforge/internal/refresh"
	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

// PatternStore persists named compiled graphs.
type PatternStore interface {
	Save(ctx context.Context, p *patterns.Pattern) error
	Get(ctx context.Context, id string) (*patterns.Pattern, error)
}

// EventLog reads back published events.
type EventLog interface {
	Recent(ctx context.Context, origin string, n int64) ([]*events.Event, error)
}

// Deps are the components the handlers call into. Patterns and Events may
// be nil.
type Deps struct {
	Compiler    *compiler.Compiler
	Refresh     *refresh.Coordinator
	Cache       *schemacache.Cache
	Stores      *knowledge.Stores
	Drift       *drift.Detector
	Patterns    PatternStore
	Events      EventLog
	CORSOrigins []string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{Deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	origins := h.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/compile", h.compile)

		r.Post("/refresh", h.startRefresh)
		r.Get("/refresh/{jobID}", h.refreshStatus)
		r.Get("/refresh/{jobID}/events", h.refreshEvents)

		r.Get("/events", h.recentEvents)
		r.Get("/stats", h.stats)
		r.Get("/drift/{kind}", h.checkDrift)
		r.Post("/cache/{kind}/invalidate", h.invalidate)

		r.Put("/patterns/{id}", h.savePattern)
		r.Get("/patterns/{id}", h.getPattern)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "origin": h.Cache.Origin()})
}

type compileRequest struct {
	compiler.Request
	// SeedPattern loads the base graph from the pattern store.
	SeedPattern string `json:"seed_pattern,omitempty"`
}

type compileResponse struct {
	CompileID string                  `json:"compile_id"`
	Graph     *compiler.CompiledGraph `json:"graph"`
	Stats     knowledge.Stats         `json:"stats"`
}

func (h *Handler) compile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SeedPattern != "" {
		if req.Base != nil {
			writeError(w, http.StatusBadRequest, "base and seed_pattern are mutually exclusive")
			return
		}
		p, ok := h.loadPattern(w, r, req.SeedPattern)
		if !ok {
			return
		}
		req.Base = p.Graph
	}

	res, err := h.Compiler.Compile(r.Context(), req.Request)
	if err != nil {
		var ce *compiler.CompileError
		if errors.As(err, &ce) {
			writeJSON(w, http.StatusUnprocessableEntity, ce)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, compileResponse{CompileID: res.CompileID, Graph: res.Graph, Stats: res.Stats})
}

func (h *Handler) startRefresh(w http.ResponseWriter, r *http.Request) {
	var req refresh.Request
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	for _, k := range req.Kinds {
		if !k.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", k))
			return
		}
	}
	trigger, err := h.Refresh.Start(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, trigger)
}

func (h *Handler) refreshStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if job, ok := h.Refresh.Job(id); ok && job.Summary() == nil {
		progress := job.Progress()
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":    id,
			"status":    refresh.StatusRunning,
			"completed": len(progress),
			"progress":  progress,
		})
		return
	}
	sum, err := h.Refresh.Lookup(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sum == nil {
		writeError(w, http.StatusNotFound, "refresh job not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Cache.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	last, err := h.Refresh.LastFinished(r.Context())
	if err != nil {
		h.logger.Warn("last refresh lookup failed", zap.Error(err))
	}
	memory := make(map[schema.Kind]int, len(schema.AllKinds))
	for _, k := range schema.AllKinds {
		memory[k] = h.Stores.Provider(k).MemorySize()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"origin":       h.Cache.Origin(),
		"counts":       st.Counts,
		"stale":        st.Stale,
		"stale_count":  st.StaleCount,
		"last_fetched": st.LastFetched,
		"memory":       memory,
		"last_refresh": last,
	})
}

func kindParam(w http.ResponseWriter, r *http.Request) (schema.Kind, bool) {
	kind := schema.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return "", false
	}
	return kind, true
}

func (h *Handler) checkDrift(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	report, err := h.Drift.Check(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	deleted, err := h.Cache.Invalidate(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.Stores.Provider(kind).InvalidateAll()
	h.logger.Info("cache invalidated", zap.String("kind", string(kind)), zap.Int64("deleted", deleted))
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "deleted": deleted})
}

type patternRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Graph       *compiler.CompiledGraph `json:"graph"`
}

func (h *Handler) savePattern(w http.ResponseWriter, r *http.Request) {
	if h.Patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern store not configured")
		return
	}
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := compiler.CheckRenderSafety(req.Graph); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	p := &patterns.Pattern{ID: chi.URLParam(r, "id"), Name: req.Name, Description: req.Description, Graph: req.Graph}
	if err := h.Patterns.Save(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) getPattern(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.loadPattern(w, r, chi.URLParam(r, "id")); ok {
		writeJSON(w, http.StatusOK, p)
	}
}

func (h *Handler) loadPattern(w http.ResponseWriter, r *http.Request, id string) (*patterns.Pattern, bool) {
	if h.Patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern store not configured")
		return nil, false
	}
	p, err := h.Patterns.Get(r.Context(), id)
	if errors.Is(err, patterns.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pattern not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return p, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
