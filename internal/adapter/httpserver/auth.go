package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the fallback token carrier for browser clients.
const SessionCookie = "session"

type userKey struct{}

// sessionClaims is the HS256 session token payload.
type sessionClaims struct {
	UserID string `json:"user_id"`
	Login  string `json:"login"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies signed session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

// NewSessions builds a session codec from the shared signing secret.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

// Issue mints a session token for the user. The OAuth login callback calls
// this after the identity provider confirms the user; deployments without
// the login flow run with AUTH_ENABLED=false and never mint tokens.
func (s *Sessions) Issue(userID, login string) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		UserID: userID,
		Login:  login,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses a token and returns the user id.
func (s *Sessions) Verify(token string) (string, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.UserID == "" {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.UserID, nil
}

// Middleware resolves the session from the Authorization header or the
// session cookie and stores the user id in the request context. Requests
// without a valid session pass through anonymous; handlers that need a
// user check UserFrom.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(h[len("Bearer "):])
		} else if c, err := r.Cookie(SessionCookie); err == nil {
			token = c.Value
		}
		if token != "" {
			if userID, err := s.Verify(token); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), userKey{}, userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// UserFrom returns the authenticated user id, empty for anonymous.
func UserFrom(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}
