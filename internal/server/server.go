// Package server exposes the ops HTTP surface: health, poll status,
// announcement history and a websocket feed of announced killmails.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/runnerr0/killfeed/internal/poller"
	"github.com/runnerr0/killfeed/internal/storage"
)

// StatusSource reports the most recent poll cycle.
type StatusSource interface {
	Snapshot() poller.Snapshot
}

// HistorySource lists recorded announcements.
type HistorySource interface {
	SearchAnnouncements(ctx context.Context, query storage.SearchQuery) ([]storage.Announcement, error)
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// Options configures the ops server. Status and History are optional.
type Options struct {
	Addr           string
	Version        string
	AllowedOrigins []string
	Hub            *Hub
	Status         StatusSource
	History        HistorySource
	Logger         *slog.Logger
}

// Server is the ops HTTP server.
type Server struct {
	opts      Options
	logger    *slog.Logger
	startedAt time.Time
	handler   http.Handler
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{opts: opts, logger: logger, startedAt: time.Now()}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the live feed hub.
func (s *Server) Hub() *Hub {
	return s.opts.Hub
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/announcements", s.handleAnnouncements)
	r.Handle("/live", newLiveHandler(s.opts.Hub, s.checkOrigin))

	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Version: s.opts.Version,
	})
}

type statusResponse struct {
	Poll        *poller.Snapshot `json:"poll,omitempty"`
	LiveClients int              `json:"live_clients"`
	History     *historyStats    `json:"history,omitempty"`
}

type historyStats struct {
	Announcements    int64 `json:"announcements"`
	Deliveries       int64 `json:"deliveries"`
	FailedDeliveries int64 `json:"failed_deliveries"`
	Overflowed       int64 `json:"overflowed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{LiveClients: s.opts.Hub.Clients()}
	if s.opts.Status != nil {
		snap := s.opts.Status.Snapshot()
		resp.Poll = &snap
	}
	if s.opts.History != nil {
		stats, err := s.opts.History.GetStats(r.Context())
		if err != nil {
			s.logger.Warn("status stats failed", "error", err)
			sendError(w, http.StatusInternalServerError, "stats unavailable")
			return
		}
		resp.History = &historyStats{
			Announcements:    stats.TotalAnnouncements,
			Deliveries:       stats.TotalDeliveries,
			FailedDeliveries: stats.FailedDeliveries,
			Overflowed:       stats.Overflowed,
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

type announcementJSON struct {
	ID          string    `json:"id"`
	KillID      int64     `json:"kill_id"`
	UID         string    `json:"uid,omitempty"`
	KillDate    time.Time `json:"kill_date"`
	Victim      string    `json:"victim"`
	Corporation string    `json:"corporation"`
	Robot       string    `json:"robot"`
	Zone        string    `json:"zone"`
	Attackers   int       `json:"attackers"`
	Omitted     int       `json:"omitted"`
	AnnouncedAt time.Time `json:"announced_at"`
}

func (s *Server) handleAnnouncements(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		sendError(w, http.StatusNotFound, "history is not enabled")
		return
	}

	q := storage.SearchQuery{Query: strings.TrimSpace(r.URL.Query().Get("q")), Limit: 20}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			sendError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		q.Limit = n
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			sendError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = since
	}

	rows, err := s.opts.History.SearchAnnouncements(r.Context(), q)
	if err != nil {
		s.logger.Warn("announcement search failed", "error", err)
		sendError(w, http.StatusInternalServerError, "search failed")
		return
	}

	out := make([]announcementJSON, len(rows))
	for i, a := range rows {
		out[i] = announcementJSON{
			ID: a.ID, KillID: a.KillID, UID: a.UID, KillDate: a.KillDate.UTC(),
			Victim: a.Victim, Corporation: a.Corporation, Robot: a.Robot, Zone: a.Zone,
			Attackers: a.Attackers, Omitted: a.Omitted, AnnouncedAt: a.AnnouncedAt.UTC(),
		}
	}
	sendJSON(w, http.StatusOK, out)
}

// checkOrigin applies the CORS allow list to websocket upgrades. Requests
// without an Origin header (non-browser clients) are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops server: %w", err)
		}
		return nil
	}
}
