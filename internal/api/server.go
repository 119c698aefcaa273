package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/orchestrator"
	"reconstruction-service/internal/pipeline"
	"reconstruction-service/internal/ratelimit"
	"reconstruction-service/internal/store"
	"reconstruction-service/internal/telemetry"
	"reconstruction-service/internal/workspace"
)

// JobReader serves the read side of the API straight from the record store.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f store.ListFilter) ([]models.Job, int, error)
	Ping(ctx context.Context) error
}

// Orchestrator is the write side: every status mutation goes through it.
type Orchestrator interface {
	CreateJob(ctx context.Context, p orchestrator.CreateJobParams) (models.Job, error)
	StartReconstruction(ctx context.Context, jobID string) (models.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
}

// Server wires the HTTP handlers for the reconstruction API.
type Server struct {
	cfg     config.Config
	jobs    JobReader
	orch    Orchestrator
	limiter *ratelimit.TokenBucket
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, jobs JobReader, orch Orchestrator, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, jobs: jobs, orch: orch, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/reconstructions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/reconstruct", s.handleStart)
		r.Get("/{id}/status", s.handleStatus)
		r.Get("/{id}/result", s.handleResult)
		r.Get("/{id}/model", s.handleModel)
		r.Get("/{id}/preview", s.handlePreview)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Delete("/{id}", s.handleDelete)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := "connected"
	status := http.StatusOK
	if err := s.jobs.Ping(r.Context()); err != nil {
		db = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": "ok", "db": db})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxTotalBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	title := r.FormValue("title")
	description := r.FormValue("description")
	headers := r.MultipartForm.File["images"]

	inputs := make([]workspace.Input, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable upload "+fh.Filename)
			return
		}
		defer f.Close()
		inputs = append(inputs, workspace.Input{
			OriginalName: fh.Filename,
			ContentType:  fh.Header.Get("Content-Type"),
			Size:         fh.Size,
			Reader:       f,
		})
	}

	job, err := s.orch.CreateJob(r.Context(), orchestrator.CreateJobParams{
		Title:       title,
		Description: description,
		Inputs:      inputs,
	})
	if err != nil {
		var verr *workspace.ValidationError
		if errors.As(err, &verr) {
			telemetry.UploadRejects.Inc()
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.log.Error("create job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create reconstruction")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         job.ID,
		"title":      job.Title,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Page:   atoiDefault(q.Get("page"), 1),
		Limit:  atoiDefault(q.Get("limit"), 10),
	}
	jobs, total, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.log.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reconstructions")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": jobs,
		"pagination": map[string]int{
			"page":  filter.Page,
			"limit": filter.Limit,
			"total": total,
		},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	job, err := s.orch.StartReconstruction(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "reconstruction not found")
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "reconstruction is already running")
		case errors.Is(err, orchestrator.ErrPrecondition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("start reconstruction", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to start reconstruction")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"status":   job.Status,
		"progress": job.Progress,
		"message":  job.Message,
	}
	if job.ErrorDetail != "" {
		resp["error_detail"] = job.ErrorDetail
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResult returns artifact locations once completed; before that it
// reports current status and progress so pollers can reuse the endpoint.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   job.Status,
			"progress": job.Progress,
		})
		return
	}

	model, _ := job.PrimaryModel()
	textures := make([]map[string]any, 0)
	for _, a := range job.Artifacts {
		if a.Kind == models.ArtifactTexture {
			textures = append(textures, map[string]any{
				"name": filepath.Base(a.Path),
				"size": a.Size,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     job.ID,
		"title":  job.Title,
		"status": job.Status,
		"model": map[string]any{
			"url":    "/api/reconstructions/" + job.ID + "/model",
			"format": ext(model.Path),
			"size":   model.Size,
		},
		"textures":     textures,
		"completed_at": job.CompletedAt,
	})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	model, found := job.PrimaryModel()
	if !found {
		writeError(w, http.StatusNotFound, "model not available")
		return
	}
	if _, err := os.Stat(model.Path); err != nil {
		writeError(w, http.StatusNotFound, "model file not found on server")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(model.Path)))
	http.ServeFile(w, r, model.Path)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if job.PreviewPath == "" {
		writeError(w, http.StatusNotFound, "preview not available")
		return
	}
	if _, err := os.Stat(job.PreviewPath); err != nil {
		writeError(w, http.StatusNotFound, "preview not available")
		return
	}
	http.ServeFile(w, r, job.PreviewPath)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "reconstruction not found")
		case errors.Is(err, orchestrator.ErrPrecondition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("cancel reconstruction", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel reconstruction")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Delete(r.Context(), id); err != nil {
		s.log.Error("delete reconstruction", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete reconstruction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reconstruction not found")
		return models.Job{}, false
	}
	if err != nil {
		s.log.Error("get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load reconstruction")
		return models.Job{}, false
	}
	return job, true
}

// allow applies the per-client token bucket to mutating endpoints.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	allowed, err := s.limiter.Allow(r.Context(), host)
	if err != nil {
		s.log.Warn("rate limiter unavailable", "error", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func ext(path string) string {
	e := filepath.Ext(path)
	if len(e) > 0 {
		return e[1:]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
