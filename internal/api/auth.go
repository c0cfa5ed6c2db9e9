package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// The upstream gateway authenticates every request and forwards the account
// identity in this header. The core never sees credentials.
const userIDHeader = "X-User-ID"

type contextKey string

const userIDContextKey contextKey = "user_id"

// AccessChecker delegates video-level authorization decisions, such as
// enrollment checks, to the hosting platform.
type AccessChecker interface {
	CanAccessVideo(ctx context.Context, userID, videoID string) bool
}

// AllowAllAccess grants every authenticated user access to every video. It is
// the default when no platform checker is wired in.
type AllowAllAccess struct{}

func (AllowAllAccess) CanAccessVideo(context.Context, string, string) bool { return true }

// IdentityMiddleware copies the gateway-installed user ID into the request
// context.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(userIDHeader)); id != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDContextKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

// UserIDFromContext returns the authenticated user ID, when present.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(userIDContextKey).(string)
	return id, ok && id != ""
}

// requireUser rejects requests that carry no gateway identity.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", userIDHeader))
		return "", false
	}
	return userID, true
}

func (h *Handler) accessChecker() AccessChecker {
	if h.Access == nil {
		return AllowAllAccess{}
	}
	return h.Access
}
