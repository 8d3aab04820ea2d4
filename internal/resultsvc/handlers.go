// Package resultsvc receives the single result callback each worker makes
// at the end of its run and finalizes the job.
package resultsvc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// TokenHeader authenticates the callback against the job's result token.
const TokenHeader = "X-Results-Token"

var (
	vld     *validator.Validate
	vldOnce sync.Once
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ResultRequest is the worker callback body.
type ResultRequest struct {
	JobID  string `json:"job_id" validate:"required"`
	Status string `json:"status" validate:"required,oneof=succeeded failed"`
	Report string `json:"report"`
	Error  string `json:"error"`
}

// Server finalizes jobs from worker callbacks.
type Server struct {
	jobs domain.JobRepository
	log  *slog.Logger
}

// NewServer wires the result endpoint.
func NewServer(jobs domain.JobRepository, log *slog.Logger) *Server {
	return &Server{jobs: jobs, log: log}
}

// Routes mounts the result endpoint on a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/v1/results", s.handleResult)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	// Cross-field payload contract: a success must carry a report, and a
	// failure must explain itself with a report or an error string.
	if req.Status == string(domain.JobSucceeded) && req.Report == "" {
		http.Error(w, "report is required when status is succeeded", http.StatusUnprocessableEntity)
		return
	}
	if req.Status == string(domain.JobFailed) && req.Report == "" && req.Error == "" {
		http.Error(w, "error or report is required when status is failed", http.StatusUnprocessableEntity)
		return
	}

	job, err := s.jobs.Get(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.log.Error("job lookup failed", slog.String("job_id", req.JobID), slog.Any("error", err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	// A job that never started or already finished takes no result. Hiding
	// the distinction behind 404 keeps token probing uninformative.
	if job.Status != domain.JobRunning {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	token := r.Header.Get(TokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(job.ResultToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// The report is parsed regardless of status: a schema-valid report on a
	// failed run is still worth storing. Without one the job can only end up
	// failed, with a default error when the worker gave none.
	status := domain.JobStatus(req.Status)
	resultError := req.Error
	var result map[string]any
	if req.Report != "" {
		if parsed, perr := domain.ParseReport(req.Report); perr == nil {
			result = parsed
		}
	}
	if result == nil {
		status = domain.JobFailed
		if resultError == "" {
			resultError = "Invalid report"
		}
	}

	ok, err := s.jobs.Finalize(r.Context(), job.ID, status, result, resultError, time.Now().UTC())
	if err != nil {
		s.log.Error("finalize failed", slog.String("job_id", job.ID), slog.Any("error", err))
		http.Error(w, "finalize failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Lost the CAS to a concurrent writer; the guard passes only once.
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	observability.JobsFinalizedTotal.WithLabelValues(string(status)).Inc()
	s.log.Info("job finalized",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)))
	w.WriteHeader(http.StatusNoContent)
}
