package secrets_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/secrets"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

func TestClient_PutGetDelete(t *testing.T) {
	var stored []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "wo-token", r.Header.Get(secrets.TokenHeader))
		require.Equal(t, "/v1/bundles/deadbeef", r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			stored, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(stored)
		case http.MethodDelete:
			stored = nil
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer ts.Close()

	c := secrets.New(ts.URL, "wo-token")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "deadbeef", []byte("bundle")))

	got, err := c.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), got)

	require.NoError(t, c.Delete(ctx, "deadbeef"))

	_, err = c.Get(ctx, "deadbeef")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := secrets.New(ts.URL, "tok")
	require.NoError(t, c.Put(context.Background(), "abcd", []byte("x")))
	assert.EqualValues(t, 3, calls.Load())
}
