package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/DeafMist/event-dedup/internal/config"
	"github.com/DeafMist/event-dedup/internal/elasticsearch"
	"github.com/DeafMist/event-dedup/internal/logger"
	"github.com/DeafMist/event-dedup/internal/models"
)

type eventStore interface {
	Health(ctx context.Context) error
	SearchEvents(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
	ClusterMembers(ctx context.Context, cluster int, runID string, size int) (*elasticsearch.SearchResult, error)
	LatestRunID(ctx context.Context) (string, error)
}

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.Connect(ctx, cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, 10, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	srv := &server{log: log, cfg: cfg, es: esClient}
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

type server struct {
	log *slog.Logger
	cfg *config.API
	es  eventStore
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleSearch)
	r.Get("/clusters/{id}", s.handleCluster)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.es.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := elasticsearch.SearchParams{
		Query:     strings.TrimSpace(q.Get("q")),
		EventType: strings.TrimSpace(q.Get("event_type")),
		RunID:     strings.TrimSpace(q.Get("run")),
		From:      clampInt(q.Get("from"), 0, 10_000),
		Size:      clampInt(q.Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage),
		Sort:      strings.TrimSpace(q.Get("sort")),
		Start:     parseTime(q.Get("start")),
		End:       parseTime(q.Get("end")),
	}
	if raw := strings.TrimSpace(q.Get("cluster")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cluster must be an integer"})
			return
		}
		params.Cluster = &id
	}

	result, err := s.es.SearchEvents(ctx, params)
	if err != nil {
		s.log.Error("search events", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type clusterResponse struct {
	Cluster    int                    `json:"cluster"`
	RunID      string                 `json:"run_id"`
	Total      int64                  `json:"total"`
	Start      string                 `json:"start,omitempty"`
	End        string                 `json:"end,omitempty"`
	EventTypes map[string]int         `json:"event_types"`
	Members    []models.EventDocument `json:"members"`
}

func (s *server) handleCluster(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cluster id must be an integer"})
		return
	}
	size := clampInt(r.URL.Query().Get("size"), s.cfg.MaxPage, s.cfg.MaxPage)

	// Cluster ids are only comparable within one run.
	runID := strings.TrimSpace(r.URL.Query().Get("run"))
	if runID == "" {
		runID, err = s.es.LatestRunID(ctx)
		if err != nil {
			s.log.Error("latest run", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if runID == "" {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no published runs"})
			return
		}
	}

	result, err := s.es.ClusterMembers(ctx, id, runID, size)
	if err != nil {
		s.log.Error("cluster members", slog.Any("err", err), slog.Int("cluster", id))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if result.Total == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "cluster not found"})
		return
	}

	writeJSON(w, http.StatusOK, summarizeCluster(id, runID, result))
}

// summarizeCluster expects members sorted by start date ascending.
func summarizeCluster(id int, runID string, result *elasticsearch.SearchResult) clusterResponse {
	resp := clusterResponse{
		Cluster:    id,
		RunID:      runID,
		Total:      result.Total,
		EventTypes: map[string]int{},
		Members:    result.Items,
	}
	for _, doc := range result.Items {
		if doc.EventType != "" {
			resp.EventTypes[doc.EventType]++
		}
		if resp.Start == "" || doc.StartDate < resp.Start {
			resp.Start = doc.StartDate
		}
		if doc.StartDate > resp.End {
			resp.End = doc.StartDate
		}
	}
	return resp
}

// parseTime accepts RFC3339 timestamps and plain dates.
func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, models.DateLayout} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
