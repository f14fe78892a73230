package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gluk-w/webterm/internal/auth"
)

// TokenCookie is the cookie the web portal stores its token in.
const TokenCookie = "portal_token"

type contextKey string

const subjectContextKey contextKey = "subject"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// TokenFromRequest extracts the bearer token from the token query parameter,
// the Authorization header or the portal cookie, in that order. Browsers
// cannot set headers on WebSocket upgrades, hence the query parameter.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// RequireToken rejects requests without a valid HS256 token signed with
// secret. When disabled is set every request passes with subject "anonymous".
func RequireToken(secret string, disabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if disabled {
				ctx := context.WithValue(r.Context(), subjectContextKey, "anonymous")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tok := TokenFromRequest(r)
			if tok == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			claims, err := auth.Verify(secret, tok)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid or expired token"})
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the token subject stored by RequireToken.
func Subject(r *http.Request) string {
	s, _ := r.Context().Value(subjectContextKey).(string)
	return s
}
