package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"appfactory/internal/config"
	"appfactory/internal/models"
	"appfactory/internal/monitor"
	"appfactory/internal/store"
	"appfactory/internal/telemetry"
)

// JobStore is the slice of the persistence layer the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListActive(ctx context.Context, types ...string) ([]models.Job, error)
	ListBacklog(ctx context.Context, limit int) ([]models.BacklogItem, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Enqueuer hands accepted jobs to the runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
}

// RateLimiter throttles idea submissions per client.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the producer API and the monitor control surface.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   Enqueuer
	limiter RateLimiter
	monitor *monitor.Monitor
	log     *zap.SugaredLogger
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, q Enqueuer, limiter RateLimiter, mon *monitor.Monitor, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		monitor: mon,
		log:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleListActive)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/backlog", s.handleBacklog)
	r.Get("/build-monitor", s.handleMonitorStatus)
	r.Post("/build-monitor", s.handleMonitorAction)
	return r
}

type submitRequest struct {
	ID             string `json:"id"`
	Idea           string `json:"idea"`
	Provider       string `json:"provider"`
	Priority       int    `json:"priority"`
	IdempotencyKey string `json:"idempotency_key"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Idea) == "" {
		writeError(w, http.StatusBadRequest, "idea is required")
		return
	}

	client := clientFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+client)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:   req.ID,
		Type: models.TypeBuildApp,
		Payload: map[string]any{
			"idea":                   req.Idea,
			models.PayloadProvider:   req.Provider,
			models.PayloadRetryCount: 0,
		},
		Status:         models.StatusQueued,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID, time.Now()); err != nil {
			s.log.Errorw("enqueue build", "job_id", job.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		_ = s.store.AppendEvent(r.Context(), job.ID, "enqueued", fmt.Sprintf("client=%s priority=%d", client, job.Priority))
		telemetry.BuildsEnqueued.Inc()
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleBacklog(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListBacklog(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.BacklogItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

type monitorActionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleMonitorAction(w http.ResponseWriter, r *http.Request) {
	var req monitorActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	switch req.Action {
	case "start":
		s.monitor.Start()
	case "stop":
		s.monitor.Stop()
	case "trigger":
		s.monitor.TriggerCheck(r.Context())
	case "status":
		// status is the response below
	default:
		writeError(w, http.StatusBadRequest, "Invalid action. Use start, stop, trigger, or status")
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
