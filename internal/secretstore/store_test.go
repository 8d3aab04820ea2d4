package secretstore_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-sol-auditor/internal/secretstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, maxReads int) *secretstore.Store {
	t.Helper()
	st, err := secretstore.New(t.TempDir(), maxReads)
	require.NoError(t, err)
	return st
}

func TestValidRef(t *testing.T) {
	assert.True(t, secretstore.ValidRef("abc0123f"))
	assert.True(t, secretstore.ValidRef(strings.Repeat("a", 64)))
	assert.False(t, secretstore.ValidRef(""))
	assert.False(t, secretstore.ValidRef(strings.Repeat("a", 65)))
	assert.False(t, secretstore.ValidRef("ABCDEF"))
	assert.False(t, secretstore.ValidRef("../etc/passwd"))
	assert.False(t, secretstore.ValidRef("abc.tar"))
}

func TestStore_OneShotRead(t *testing.T) {
	st := newStore(t, 1)
	require.NoError(t, st.Put("deadbeef", []byte("bundle-bytes")))

	data, destroy, err := st.Get("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle-bytes"), data)
	assert.True(t, destroy, "first read exhausts a one-read budget")

	require.NoError(t, st.Destroy("deadbeef"))
	_, _, err = st.Get("deadbeef")
	assert.ErrorIs(t, err, secretstore.ErrNotFound)
}

func TestStore_MultiRead(t *testing.T) {
	st := newStore(t, 3)
	require.NoError(t, st.Put("cafe", []byte("x")))

	for i := 0; i < 2; i++ {
		_, destroy, err := st.Get("cafe")
		require.NoError(t, err)
		assert.False(t, destroy)
	}
	_, destroy, err := st.Get("cafe")
	require.NoError(t, err)
	assert.True(t, destroy)
}

func TestStore_FileModes(t *testing.T) {
	dir := t.TempDir()
	st, err := secretstore.New(dir, 1)
	require.NoError(t, err)
	require.NoError(t, st.Put("ab12", []byte("secret")))

	info, err := os.Stat(filepath.Join(dir, "ab12.tar"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "ab12.hits"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func newTestServer(t *testing.T) (*secretstore.Store, http.Handler) {
	t.Helper()
	st := newStore(t, 1)
	srv := secretstore.NewServer(st, "ro-token", "wo-token", testLogger())
	r := chi.NewRouter()
	srv.Routes(r)
	return st, r
}

func TestServer_TokenGates(t *testing.T) {
	_, h := newTestServer(t)

	// Wrong write token.
	req := httptest.NewRequest(http.MethodPut, "/v1/bundles/abcd", strings.NewReader("data"))
	req.Header.Set(secretstore.TokenHeader, "nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The read token cannot write.
	req = httptest.NewRequest(http.MethodPut, "/v1/bundles/abcd", strings.NewReader("data"))
	req.Header.Set(secretstore.TokenHeader, "ro-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_PutGetDeleteCycle(t *testing.T) {
	st, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/bundles/abcd", strings.NewReader("tar-bytes"))
	req.Header.Set(secretstore.TokenHeader, "wo-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/bundles/abcd", nil)
	req.Header.Set(secretstore.TokenHeader, "ro-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "tar-bytes", string(body))

	// The single-read budget destroyed the bundle after the response.
	assert.False(t, st.Exists("abcd"))

	req = httptest.NewRequest(http.MethodGet, "/v1/bundles/abcd", nil)
	req.Header.Set(secretstore.TokenHeader, "ro-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_InvalidRef(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/bundles/ZZZZ", nil)
	req.Header.Set(secretstore.TokenHeader, "ro-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
