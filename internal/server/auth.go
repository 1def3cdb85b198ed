package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls request authentication. With a zero value every request
// is accepted, which suits local development. When APIKey is set, requests
// must carry it in X-API-Key. When JWTSecret is set, a signed HS256 bearer
// token in Authorization is accepted as an alternative.
type AuthConfig struct {
	APIKey    string
	JWTSecret string
}

func (c AuthConfig) enabled() bool {
	return c.APIKey != "" || c.JWTSecret != ""
}

type ctxKey string

const ctxSubjectKey ctxKey = "auth_subject"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		subject, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid credentials", "UNAUTHORIZED")
			return
		}
		ctx := context.WithValue(r.Context(), ctxSubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.auth.APIKey != "" {
		if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
			if equalKeys(key, s.auth.APIKey) {
				return "api-key", true
			}
			return "", false
		}
	}
	if s.auth.JWTSecret != "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return s.verifyJWT(strings.TrimSpace(token))
		}
	}
	return "", false
}

func (s *Server) verifyJWT(raw string) (string, bool) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", false
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", false
	}
	return subject, true
}

// subjectFromContext returns the authenticated subject, or "anonymous" when
// authentication is disabled.
func subjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxSubjectKey).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// equalKeys compares hashes so timing does not leak the key length.
func equalKeys(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
