package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// refreshEvents streams a job's progress as server-sent events, replaying
// from the first item, and ends with a summary event.
func (h *Handler) refreshEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	job, inProcess := h.Refresh.Job(id)
	if !inProcess {
		// Finished elsewhere or evicted: only the summary is left.
		sum, err := h.Refresh.Lookup(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sum == nil {
			writeError(w, http.StatusNotFound, "refresh job not found")
			return
		}
		startStream(w)
		h.sendEvent(w, flusher, "summary", sum)
		return
	}

	startStream(w)
	progress, done := job.Watch(r.Context())
	for p := range progress {
		h.sendEvent(w, flusher, "progress", p)
	}
	if sum, ok := <-done; ok && sum != nil {
		h.sendEvent(w, flusher, "summary", sum)
	}
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("encode sse event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

const (
	defaultRecentEvents = 50
	maxRecentEvents     = 1000
)

// recentEvents returns the newest events published for this origin,
// oldest first.
func (h *Handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream is not configured")
		return
	}
	n := int64(defaultRecentEvents)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		n = min(v, maxRecentEvents)
	}
	evs, err := h.Events.Recent(r.Context(), h.Cache.Origin(), n)
	if err != nil {
		h.logger.Error("read events", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
}
