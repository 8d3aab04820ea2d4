package secretstore

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
)

// TokenHeader carries the capability token on every request.
const TokenHeader = "X-Secrets-Token"

// maxBundleBytes bounds a PUT body well above any admissible bundle.
const maxBundleBytes = 64 << 20

// Server exposes the store over HTTP with separate read and write
// capability tokens.
type Server struct {
	store   *Store
	tokenRO string
	tokenWO string
	log     *slog.Logger
}

// NewServer wires the HTTP surface over a store.
func NewServer(store *Store, tokenRO, tokenWO string, log *slog.Logger) *Server {
	return &Server{store: store, tokenRO: tokenRO, tokenWO: tokenWO, log: log}
}

// Routes mounts the bundle endpoints on a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Put("/v1/bundles/{ref}", s.handlePut)
	r.Get("/v1/bundles/{ref}", s.handleGet)
	r.Delete("/v1/bundles/{ref}", s.handleDelete)
}

func tokenMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !tokenMatches(r.Header.Get(TokenHeader), s.tokenWO) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ref := chi.URLParam(r, "ref")
	if !ValidRef(ref) {
		http.Error(w, "invalid ref", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBundleBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	if len(body) > maxBundleBytes {
		http.Error(w, "bundle too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.store.Put(ref, body); err != nil {
		s.log.Error("bundle write failed", slog.String("ref", ref), slog.Any("error", err))
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !tokenMatches(r.Header.Get(TokenHeader), s.tokenRO) {
		observability.SecretReadsTotal.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ref := chi.URLParam(r, "ref")
	if !ValidRef(ref) {
		http.Error(w, "invalid ref", http.StatusBadRequest)
		return
	}
	data, destroy, err := s.store.Get(ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			observability.SecretReadsTotal.WithLabelValues("not_found").Inc()
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.log.Error("bundle read failed", slog.String("ref", ref), slog.Any("error", err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}
	// The read counter is on disk before the first body byte leaves, so a
	// racing GET observes this read.
	if destroy {
		defer func() {
			if err := s.store.Destroy(ref); err != nil {
				s.log.Error("bundle destroy failed", slog.String("ref", ref), slog.Any("error", err))
			}
		}()
	}
	observability.SecretReadsTotal.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", "application/x-tar")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !tokenMatches(r.Header.Get(TokenHeader), s.tokenWO) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ref := chi.URLParam(r, "ref")
	if !ValidRef(ref) {
		http.Error(w, "invalid ref", http.StatusBadRequest)
		return
	}
	if err := s.store.Destroy(ref); err != nil {
		s.log.Error("bundle delete failed", slog.String("ref", ref), slog.Any("error", err))
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
