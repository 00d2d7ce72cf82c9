package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/alcalor-scraper/internal/harvest"
	"github.com/JakeFAU/alcalor-scraper/internal/metrics"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	queryTimeout    = 5 * time.Second
)

// Server wires HTTP handlers to the store.
type Server struct {
	router        chi.Router
	store         harvest.Store
	defaultSource string
	timeout       time.Duration
	logger        *zap.Logger
}

// NewServer constructs a Server with middleware and routes. defaultSource is
// used when a request does not name one.
func NewServer(store harvest.Store, defaultSource string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:         store,
		defaultSource: defaultSource,
		timeout:       queryTimeout,
		logger:        logger.With(zap.String("component", "api")),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/runs", s.listRuns)
		r.Get("/backfill/{source}", s.getBackfill)
		r.Get("/articles/stats", s.articleStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health ping failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listRuns handles GET /v1/runs?source=&limit=.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	source := strings.TrimSpace(r.URL.Query().Get("source"))
	runs, err := s.store.ListRuns(ctx, source, limit)
	if err != nil {
		s.storeError(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []harvest.ScrapeRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getBackfill(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	progress, err := s.store.GetProgress(ctx, source)
	if errors.Is(err, harvest.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no backfill recorded for "+source)
		return
	}
	if err != nil {
		s.storeError(w, "get backfill progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progressDTO{
		Source:            progress.Source,
		LastCompletedDate: progress.LastCompletedDate.Format(harvest.DateLayout),
		Status:            progress.Status,
		StartedAt:         progress.StartedAt,
		UpdatedAt:         progress.UpdatedAt,
	})
}

func (s *Server) articleStats(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = s.defaultSource
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	count, err := s.store.CountArticles(ctx, source)
	if err != nil {
		s.storeError(w, "count articles", err)
		return
	}
	dates, err := s.store.DateRange(ctx, source)
	if err != nil {
		s.storeError(w, "article date range", err)
		return
	}
	writeJSON(w, http.StatusOK, statsDTO{
		Source:   source,
		Articles: count,
		Earliest: formatDay(dates.Earliest),
		Latest:   formatDay(dates.Latest),
	})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	if errors.Is(err, harvest.ErrStorageUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type progressDTO struct {
	Source            string                 `json:"source"`
	LastCompletedDate string                 `json:"last_completed_date"`
	Status            harvest.BackfillStatus `json:"status"`
	StartedAt         time.Time              `json:"started_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

type statsDTO struct {
	Source   string `json:"source"`
	Articles int64  `json:"articles"`
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

func formatDay(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(harvest.DateLayout)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultRunLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxRunLimit {
		n = maxRunLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
