package handler

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewHealthHandler creates a new HealthHandler. Either dependency may be nil
// when the service runs without it.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]interface{}{
		"status": "ok",
	}

	// Check DB
	switch {
	case h.db == nil:
		status["database"] = "disabled"
	case h.db.Ping(ctx) != nil:
		status["database"] = "error"
		status["status"] = "degraded"
	default:
		status["database"] = "ok"
	}

	// Check Redis
	switch {
	case h.redis == nil:
		status["redis"] = "disabled"
	case h.redis.Ping(ctx).Err() != nil:
		status["redis"] = "error"
		status["status"] = "degraded"
	default:
		status["redis"] = "ok"
	}

	code := http.StatusOK
	if status["status"] == "degraded" {
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, status)
}
