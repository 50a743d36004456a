package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jxucoder/ClassPod/pkg/model"
)

type identityKeyType string

const identityKey identityKeyType = "identity"

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the caller attached by Authenticate. The zero
// Identity means the request carried no token.
func FromContext(ctx context.Context) model.Identity {
	id, _ := ctx.Value(identityKey).(model.Identity)
	return id
}

// Authenticate attaches the caller's identity to the request context.
// The token comes from the Authorization header or, since browsers cannot
// set headers on websocket upgrades, the "token" query parameter. A
// request without a token passes through anonymously; a bad token is
// rejected with 401.
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := bearerToken(r)
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := s.Verify(tokenStr)
		if err != nil {
			s.log.WithError(err).Debug("Rejected token")
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()).UserID == 0 {
			writeUnauthorized(w, "missing or invalid Authorization header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": description})
}
