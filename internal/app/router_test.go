package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/fairyhunter13/ai-sol-auditor/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
	"github.com/fairyhunter13/ai-sol-auditor/internal/usecase"
)

type emptyRepo struct{ domain.JobRepository }

func (emptyRepo) Get(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (emptyRepo) History(domain.Context, string) ([]domain.Job, error) {
	return nil, nil
}

func newStubJobService(cfg config.Config) usecase.JobService {
	return usecase.NewJobService(emptyRepo{}, nil, nil, nil, cfg)
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func TestBuildRouter_HealthAndMetrics(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 30}
	srv := httpserver.NewServer(cfg, newStubJobService(cfg), nil, nil)
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRouter_UnknownJobIs404(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 30}
	srv := httpserver.NewServer(cfg, newStubJobService(cfg), nil, nil)
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouter_JobStartRouteMounted(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 30}
	srv := httpserver.NewServer(cfg, newStubJobService(cfg), nil, nil)
	h := BuildRouter(cfg, srv)

	// A non-multipart body reaches the handler and fails its form parse, so
	// anything but 404/405 proves the route is mounted where clients post.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs/start", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildRouter_HistoryRouteMounted(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 30, AuthEnabled: true, JWTSecret: "router-test-secret"}
	sessions := httpserver.NewSessions(cfg.JWTSecret, time.Hour)
	srv := httpserver.NewServer(cfg, newStubJobService(cfg), sessions, nil)
	h := BuildRouter(cfg, srv)

	token, err := sessions.Issue("u1", "alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}
