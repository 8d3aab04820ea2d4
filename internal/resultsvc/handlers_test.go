package resultsvc_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
	"github.com/fairyhunter13/ai-sol-auditor/internal/resultsvc"
)

type stubRepo struct {
	domain.JobRepository
	job       domain.Job
	getErr    error
	finalized *finalizeCall
	casLost   bool
}

type finalizeCall struct {
	status      domain.JobStatus
	result      map[string]any
	resultError string
}

func (s *stubRepo) Get(_ domain.Context, _ string) (domain.Job, error) {
	return s.job, s.getErr
}

func (s *stubRepo) Finalize(_ domain.Context, _ string, status domain.JobStatus, result map[string]any, resultError string, _ time.Time) (bool, error) {
	s.finalized = &finalizeCall{status: status, result: result, resultError: resultError}
	return !s.casLost, nil
}

func newHandler(repo *stubRepo) http.Handler {
	srv := resultsvc.NewServer(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	srv.Routes(r)
	return r
}

func post(t *testing.T, h http.Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/results", strings.NewReader(body))
	if token != "" {
		req.Header.Set(resultsvc.TokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func runningJob() domain.Job {
	return domain.Job{ID: "job-1", Status: domain.JobRunning, ResultToken: "tok-1"}
}

const validReport = `{\"vulnerabilities\":[{\"title\":\"Reentrancy\",\"severity\":\"CRITICAL - bad\",` +
	`\"description\":[{\"file\":\"Vault.sol\",\"line_start\":10,\"line_end\":20,\"desc\":\"call before state update\"}],` +
	`\"impact\":\"vault drained\"}]}`

func TestResult_Success(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	body := `{"job_id":"job-1","status":"succeeded","report":"prose before ` + validReport + ` prose after"}`
	rec := post(t, h, "tok-1", body)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, repo.finalized)
	assert.Equal(t, domain.JobSucceeded, repo.finalized.status)
	vulns := repo.finalized.result["vulnerabilities"].([]any)
	first := vulns[0].(map[string]any)
	assert.Equal(t, "critical", first["severity"])
}

func TestResult_FailedWithValidReportKeepsIt(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	body := `{"job_id":"job-1","status":"failed","report":"` + validReport + `"}`
	rec := post(t, h, "tok-1", body)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, repo.finalized)
	assert.Equal(t, domain.JobFailed, repo.finalized.status)
	require.NotNil(t, repo.finalized.result)
	assert.Empty(t, repo.finalized.resultError)
}

func TestResult_FailedBadReportDefaultsError(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	rec := post(t, h, "tok-1", `{"job_id":"job-1","status":"failed","report":"no json here"}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, repo.finalized)
	assert.Equal(t, domain.JobFailed, repo.finalized.status)
	assert.Equal(t, "Invalid report", repo.finalized.resultError)
	assert.Nil(t, repo.finalized.result)
}

func TestResult_PayloadContract(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	rec := post(t, h, "tok-1", `{"job_id":"job-1","status":"succeeded"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(t, h, "tok-1", `{"job_id":"job-1","status":"failed"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Nil(t, repo.finalized)

	rec = post(t, h, "tok-1", `{"job_id":"job-1","status":"failed","error":"boom"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, repo.finalized)
	assert.Equal(t, "boom", repo.finalized.resultError)
}

func TestResult_InvalidReportForcesFailure(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	rec := post(t, h, "tok-1", `{"job_id":"job-1","status":"succeeded","report":"no json here"}`)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, repo.finalized)
	assert.Equal(t, domain.JobFailed, repo.finalized.status)
	assert.Equal(t, "Invalid report", repo.finalized.resultError)
	assert.Nil(t, repo.finalized.result)
}

func TestResult_WrongToken(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	rec := post(t, h, "forged", `{"job_id":"job-1","status":"failed","error":"boom"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, repo.finalized)
}

func TestResult_NotRunning(t *testing.T) {
	job := runningJob()
	job.Status = domain.JobSucceeded
	repo := &stubRepo{job: job}
	h := newHandler(repo)

	rec := post(t, h, "tok-1", `{"job_id":"job-1","status":"failed","error":"boom"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResult_CASLostIsNotFound(t *testing.T) {
	repo := &stubRepo{job: runningJob(), casLost: true}
	h := newHandler(repo)

	rec := post(t, h, "tok-1", `{"job_id":"job-1","status":"failed","error":"boom"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResult_BadBody(t *testing.T) {
	repo := &stubRepo{job: runningJob()}
	h := newHandler(repo)

	assert.Equal(t, http.StatusBadRequest, post(t, h, "tok-1", `not-json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "tok-1", `{"job_id":"job-1","status":"paused"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "tok-1", `{"status":"failed"}`).Code)
}
