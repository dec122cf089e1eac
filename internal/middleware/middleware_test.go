package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fitplan/subsync/internal/contextkeys"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := r.Context().Value(contextkeys.UserID).(string)
		_, _ = w.Write([]byte(userID))
	})
}

func TestAuth(t *testing.T) {
	auth := service.NewAuthService("test-secret")
	token, err := auth.IssueToken("u1", "u1@example.com", "user", time.Hour)
	require.NoError(t, err)

	h := Auth(auth)(echoUser())

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "u1", rec.Body.String())
			}
		})
	}
}

func TestAdminOnly(t *testing.T) {
	auth := service.NewAuthService("test-secret")
	h := Auth(auth)(AdminOnly(echoUser()))

	for role, code := range map[string]int{"user": http.StatusForbidden, domain.RoleAdmin: http.StatusOK} {
		token, err := auth.IssueToken("ops", "ops@example.com", role, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/admin/health/check", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, code, rec.Code, role)
	}
}

func TestLogger_RequestID(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside handler")
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, 2, strings.Count(buf.String(), `"request_id":"req-42"`), buf.String())
	assert.Contains(t, buf.String(), `"status":202`)
}

func TestRecovery(t *testing.T) {
	h := Recovery(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	h := NewRateLimiter(0.001, 2).Middleware()(echoUser())
	send := func(remote string, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if user != "" {
			req = req.WithContext(context.WithValue(req.Context(), contextkeys.UserID, user))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:5000", "").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:5001", "").Code)
	limited := send("10.0.0.1:5002", "")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	// Other clients have their own buckets.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:5000", "").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:5003", "u1").Code)
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	ok, _ := rl.allow("ip:a")
	require.True(t, ok)
	require.Len(t, rl.clients, 1)

	now = now.Add(clientIdle + sweepInterval + time.Second)
	ok, _ = rl.allow("ip:b")
	require.True(t, ok)
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "ip:b")
}
