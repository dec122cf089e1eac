package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/fitplan/subsync/internal/contextkeys"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/handler"
	"github.com/fitplan/subsync/internal/service"
	"github.com/rs/zerolog"
)

// Auth verifies the bearer token and stores the caller's identity in the
// request context. The request logger gains a user_id field.
func Auth(authSvc *service.AuthService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				handler.Error(w, err)
				return
			}
			claims, err := authSvc.VerifyToken(token)
			if err != nil {
				handler.Error(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextkeys.UserID, claims.Sub)
			ctx = context.WithValue(ctx, contextkeys.UserRole, claims.Role)
			reqLog := zerolog.Ctx(ctx).With().Str("user_id", claims.Sub).Logger()
			next.ServeHTTP(w, r.WithContext(reqLog.WithContext(ctx)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.ErrUnauthorized("no token provided")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", domain.ErrUnauthorized("invalid authorization header")
	}
	return token, nil
}
