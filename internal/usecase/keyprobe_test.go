package usecase_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-sol-auditor/internal/usecase"
)

func TestLivenessProber(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		if r.Header.Get("Authorization") == "Bearer sk-live" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := usecase.NewLivenessProber(ts.URL)
	assert.NoError(t, p.Probe(context.Background(), "sk-live"))
	assert.Error(t, p.Probe(context.Background(), "sk-dead"))
}
