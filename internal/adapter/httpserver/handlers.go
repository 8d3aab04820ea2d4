package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
	"github.com/fairyhunter13/ai-sol-auditor/internal/usecase"
)

// Server aggregates handlers dependencies.
type Server struct {
	Cfg      config.Config
	Jobs     usecase.JobService
	Sessions *Sessions
	DBCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, jobs usecase.JobService, sessions *Sessions, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, Sessions: sessions, DBCheck: dbCheck}
}

// StartJobHandler accepts the multipart admission request.
func (s *Server) StartJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserFrom(r)
		if s.Cfg.AuthEnabled && userID == "" {
			writeError(w, r, fmt.Errorf("login required: %w", domain.ErrUnauthorized), nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxUploadBytes*2)
		if err := r.ParseMultipartForm(s.Cfg.MaxUploadBytes * 2); err != nil {
			writeError(w, r, fmt.Errorf("invalid multipart form: %w", domain.ErrInvalidArgument), nil)
			return
		}

		model := r.FormValue("model")
		openaiKey := r.FormValue("openai_key")

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("file is required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		defer func() { _ = file.Close() }()

		if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
			writeError(w, r, fmt.Errorf("file must be a .zip archive: %w", domain.ErrPrecondition), nil)
			return
		}
		data, err := io.ReadAll(io.LimitReader(file, s.Cfg.MaxUploadBytes+1))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if int64(len(data)) > s.Cfg.MaxUploadBytes {
			writeError(w, r, fmt.Errorf("file exceeds %d bytes: %w", s.Cfg.MaxUploadBytes, domain.ErrPrecondition), nil)
			return
		}
		if mt := mimetype.Detect(data); !mt.Is("application/zip") {
			writeError(w, r, fmt.Errorf("file is not a zip archive: %w", domain.ErrPrecondition), nil)
			return
		}

		job, err := s.Jobs.StartJob(r.Context(), usecase.StartJobInput{
			UserID:    userID,
			Model:     model,
			OpenAIKey: openaiKey,
			FileName:  header.Filename,
			Upload:    data,
		})
		if err != nil {
			LoggerFrom(r).Warn("admission rejected", "error", err)
			writeError(w, r, err, nil)
			return
		}
		observability.JobsAdmittedTotal.WithLabelValues(job.Model).Inc()
		writeJSON(w, http.StatusCreated, jobPayload(usecase.JobView{Job: job}))
	}
}

// GetJobHandler serves one job with its live queue position.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"), UserFrom(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobPayload(view))
	}
}

// PatchJobHandler toggles result visibility; owners only.
func (s *Server) PatchJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.AuthEnabled || UserFrom(r) == "" {
			writeError(w, r, domain.ErrNotFound, nil)
			return
		}
		var body struct {
			Public *bool `json:"public"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Public == nil {
			writeError(w, r, fmt.Errorf("public flag required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Jobs.SetPublic(r.Context(), chi.URLParam(r, "id"), UserFrom(r), *body.Public); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"public": *body.Public})
	}
}

// HistoryHandler lists the caller's jobs.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Cfg.AuthEnabled || UserFrom(r) == "" {
			writeError(w, r, domain.ErrNotFound, nil)
			return
		}
		jobs, err := s.Jobs.History(r.Context(), UserFrom(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobPayload(usecase.JobView{Job: j}))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

// ReadyzHandler reports dependency readiness.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.DBCheck(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func jobPayload(v usecase.JobView) map[string]any {
	j := v.Job
	out := map[string]any{
		"id":         j.ID,
		"status":     string(j.Status),
		"model":      j.Model,
		"file_name":  j.FileName,
		"public":     j.Public,
		"created_at": j.CreatedAt,
	}
	if j.StartedAt != nil {
		out["started_at"] = *j.StartedAt
	}
	if j.FinishedAt != nil {
		out["finished_at"] = *j.FinishedAt
	}
	if j.Status == domain.JobQueued && v.QueuePosition > 0 {
		out["queue_position"] = v.QueuePosition
	}
	if j.Status == domain.JobSucceeded && j.Result != nil {
		out["result"] = j.Result
	}
	if j.Status == domain.JobFailed && j.ResultError != "" {
		out["error"] = j.ResultError
	}
	return out
}
