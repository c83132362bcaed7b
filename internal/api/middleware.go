package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const ctxUserID ctxKey = iota

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireSession rejects requests without a valid, unrevoked session token
// and stores the caller's user id in the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		claims, err := s.tokens.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		revoked, err := s.backend.IsTokenRevoked(r.Context(), claims.ID)
		if err != nil {
			s.logger.Error("revocation check failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if revoked {
			writeError(w, http.StatusUnauthorized, "session has been logged out")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, uuid.MustParse(claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxUserID).(uuid.UUID)
	return id
}
