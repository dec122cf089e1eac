package middleware

import (
	"net/http"

	"github.com/fitplan/subsync/internal/contextkeys"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/handler"
	"github.com/rs/zerolog"
)

// AdminOnly rejects callers without the admin role. Mount it after Auth.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(contextkeys.UserRole).(string); role != domain.RoleAdmin {
			zerolog.Ctx(r.Context()).Warn().Str("role", role).Str("path", r.URL.Path).Msg("admin route denied")
			handler.Error(w, domain.ErrForbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
