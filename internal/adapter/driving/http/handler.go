package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/Wyydra/callsignal/internal/adapter/driven/metrics"
	"github.com/Wyydra/callsignal/internal/config"
	"github.com/Wyydra/callsignal/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Registry *service.CallRegistry
	Metrics  *metrics.Prometheus

	cfg      config.Config
	upgrader websocket.Upgrader
	// sessions run under ctx, not the request context, so shutdown can
	// drain them after the listener stops
	ctx      context.Context
	sessions sync.WaitGroup
}

func NewHandler(ctx context.Context, cfg config.Config, registry *service.CallRegistry, m *metrics.Prometheus) *Handler {
	h := &Handler{
		Registry: registry,
		Metrics:  m,
		cfg:      cfg,
		ctx:      ctx,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/ice-servers", h.ICEServers)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}
	r.Get("/ws/signaling/{callID}/{userID}", h.ServeWS)

	return r
}

// Wait blocks until every signaling session has returned or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"calls":  h.Registry.Calls(),
	})
}

func (h *Handler) ICEServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"iceServers": h.cfg.ICEServers,
	})
}

// Requests without an Origin header come from non-browser clients and are
// let through.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("Origin not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
