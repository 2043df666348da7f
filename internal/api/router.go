// Package api serves the HTTP surface: the WebSocket endpoint plus health,
// stats, mood catalogue and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/blizhe/chat-server/internal/history"
	"github.com/blizhe/chat-server/internal/matching"
	"github.com/blizhe/chat-server/internal/metrics"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryReader reads the archive of finished sessions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Row, error)
	CountByMood(ctx context.Context) (map[string]int, error)
}

// Options wires the router to the rest of the server.
type Options struct {
	Service        *matching.Service
	History        HistoryReader // nil disables /api/history
	WebSocket      http.Handler
	Connections    func() int
	Uptime         func() time.Duration
	AllowedOrigins []string
	Version        string
}

type handler struct {
	svc         *matching.Service
	history     HistoryReader
	connections func() int
	uptime      func() time.Duration
	version     string
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	h := &handler{
		svc:         opts.Service,
		history:     opts.History,
		connections: opts.Connections,
		uptime:      opts.Uptime,
		version:     opts.Version,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Handle("/ws", opts.WebSocket)
	r.Get("/health", h.health)
	r.Get("/api/stats", h.stats)
	r.Get("/api/moods", h.moods)
	if h.history != nil {
		r.Get("/api/history", h.recentSessions)
	}
	r.Handle("/metrics", metrics.Handler())

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// GET /health
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Stats()
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"users":     st.Online,
		"rooms":     st.ActiveSessions,
	}
	if h.connections != nil {
		resp["connections"] = h.connections()
	}
	if h.uptime != nil {
		resp["uptime"] = int64(h.uptime().Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/stats
func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"online":      st.Online,
		"waiting":     st.Waiting,
		"activeRooms": st.ActiveSessions,
		"moods":       len(matching.Moods()),
		"version":     h.version,
	})
}

type moodView struct {
	ID         matching.Mood   `json:"id"`
	Label      string          `json:"label"`
	Emoji      string          `json:"emoji"`
	Color      string          `json:"color"`
	Compatible []matching.Mood `json:"compatible"`
}

// GET /api/moods
func (h *handler) moods(w http.ResponseWriter, r *http.Request) {
	table := h.svc.Compatibility()
	out := make([]moodView, 0, len(matching.Moods()))
	for _, m := range matching.Moods() {
		info := m.Info()
		out = append(out, moodView{
			ID:         m,
			Label:      info.Label,
			Emoji:      info.Emoji,
			Color:      info.Color,
			Compatible: table.Compatible(m),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": h.svc.Strategy(),
		"moods":    out,
	})
}

type sessionView struct {
	SessionID  string    `json:"session_id"`
	Mood       string    `json:"mood"`
	Moods      [2]string `json:"moods"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ClosedAt   time.Time `json:"closed_at"`
	DurationMs int64     `json:"duration_ms"`
}

// GET /api/history?limit=N
//
// Member ids are never exposed.
func (h *handler) recentSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := r.Context()
	rows, err := h.history.Recent(ctx, limit)
	if err != nil {
		log.Error().Str("component", "http").Err(err).Msg("failed to read session history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	counts, err := h.history.CountByMood(ctx)
	if err != nil {
		log.Error().Str("component", "http").Err(err).Msg("failed to count session history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}

	recent := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		recent = append(recent, sessionView{
			SessionID:  row.SessionID,
			Mood:       row.Mood,
			Moods:      [2]string{row.MoodA, row.MoodB},
			Reason:     row.CloseReason,
			CreatedAt:  row.CreatedAt,
			ClosedAt:   row.ClosedAt,
			DurationMs: row.DurationMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"byMood": counts,
		"recent": recent,
	})
}
