// Package adminapi is the read-only operational HTTP surface:
// health/readiness, Prometheus metrics, and a view onto the current
// bracket. It never mutates game or submission state.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siggame/pyrena-arena/internal/bracket"
)

// Pinger is satisfied by any dependency the readiness check should
// ping; a nil receiver (advisory dependency not configured) must
// report healthy rather than panic.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BracketSource lets the scheduler binary expose its live arena; the
// arena binary runs without one and Ready/BracketDot/BracketJSON
// degrade accordingly.
type BracketSource interface {
	Snapshot() (*bracket.Arena, int)
}

// Handler bundles the dependencies the admin endpoints read from.
type Handler struct {
	postgres Pinger
	redis    Pinger
	bracket  BracketSource
}

// Config is the constructor input for New.
type Config struct {
	Postgres Pinger
	Redis    Pinger
	Bracket  BracketSource
}

func New(cfg Config) *Handler {
	return &Handler{postgres: cfg.Postgres, redis: cfg.Redis, bracket: cfg.Bracket}
}

// Router builds the chi mux exposing every admin endpoint.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/bracket.dot", h.BracketDot)
	r.Get("/bracket.json", h.BracketJSON)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]bool{
		"postgres": pingOK(ctx, h.postgres),
		"redis":    pingOK(ctx, h.redis),
	}

	allHealthy := true
	for _, ok := range checks {
		if !ok {
			allHealthy = false
		}
	}

	body := map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	}
	if h.bracket != nil {
		arena, _ := h.bracket.Snapshot()
		body["bracketNodes"] = len(arena.Nodes)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	h.jsonResponse(w, status, body)
}

func pingOK(ctx context.Context, p Pinger) bool {
	if p == nil {
		return true
	}
	return p.Ping(ctx) == nil
}

func (h *Handler) BracketDot(w http.ResponseWriter, r *http.Request) {
	if h.bracket == nil {
		h.errorResponse(w, http.StatusNotFound, "no bracket loaded by this process")
		return
	}
	arena, bestOf := h.bracket.Snapshot()
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(bracket.DotNodes(arena, bestOf)))
}

func (h *Handler) BracketJSON(w http.ResponseWriter, r *http.Request) {
	if h.bracket == nil {
		h.errorResponse(w, http.StatusNotFound, "no bracket loaded by this process")
		return
	}
	arena, _ := h.bracket.Snapshot()
	h.jsonResponse(w, http.StatusOK, bracket.Summaries(arena))
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) errorResponse(w http.ResponseWriter, status int, message string) {
	h.jsonResponse(w, status, map[string]string{"error": message})
}
