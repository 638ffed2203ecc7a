// Package api wires the HTTP surface: health probes, metrics, and the two
// WebSocket endpoints (partner frames and the wallet UI).
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/frak-labs/frame-connector/internal/store"
	"github.com/frak-labs/frame-connector/internal/ws"
	"go.uber.org/zap"
)

type Handler struct {
	logger         *zap.SugaredLogger
	cache          *store.Cache
	bridge         *ws.Bridge
	surface        *ws.Surface
	registry       *ws.Registry
	metricsHandler http.Handler
}

func NewHandler(logger *zap.SugaredLogger, cache *store.Cache, bridge *ws.Bridge, surface *ws.Surface, registry *ws.Registry, metricsHandler http.Handler) *Handler {
	return &Handler{
		logger:         logger,
		cache:          cache,
		bridge:         bridge,
		surface:        surface,
		registry:       registry,
		metricsHandler: metricsHandler,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cacheStatus := "ok"
	status := http.StatusOK
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Warnw("Cache not ready", "error", err)
		cacheStatus = "unavailable"
		if !h.cache.IsInMemoryMode() {
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"cache":  cacheStatus,
		"frames": h.registry.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
