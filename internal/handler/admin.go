package handler

import (
	"net/http"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AdminHandler exposes health and recovery operations to operators.
type AdminHandler struct {
	monitor  *service.HealthMonitor
	recovery *service.RecoveryManager
	writer   *service.CanonicalWriter
	cache    *service.CacheManager
}

func NewAdminHandler(monitor *service.HealthMonitor, recovery *service.RecoveryManager, writer *service.CanonicalWriter, cache *service.CacheManager) *AdminHandler {
	return &AdminHandler{monitor: monitor, recovery: recovery, writer: writer, cache: cache}
}

// Health returns the last webhook health check.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	status, err := h.monitor.LastStatus(r.Context())
	if err != nil {
		Error(w, domain.ErrUnavailable("health status unavailable", err))
		return
	}
	if status == nil {
		Error(w, domain.ErrNotFound("no health check has run yet"))
		return
	}
	JSON(w, http.StatusOK, status)
}

// RunHealthCheck performs a health check now and returns its result.
func (h *AdminHandler) RunHealthCheck(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.monitor.PerformHealthCheck(r.Context()))
}

type recoverResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	Operation      string `json:"operation"`
	Success        bool   `json:"success"`
}

// Recover reconciles one subscription with the provider.
// ?mode=fix only repairs; the default force-activates and reports entitlement.
func (h *AdminHandler) Recover(w http.ResponseWriter, r *http.Request) {
	subID := chi.URLParam(r, "id")
	if subID == "" {
		Error(w, domain.ErrBadRequest("subscription id is required"))
		return
	}

	resp := recoverResponse{SubscriptionID: subID}
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "force_activate":
		resp.Operation = "force_activate"
		resp.Success = h.recovery.ForceActivateSubscription(r.Context(), subID)
	case "fix":
		resp.Operation = "fix"
		resp.Success = h.recovery.FixSubscription(r.Context(), subID)
	default:
		Error(w, domain.ErrValidation("mode must be force_activate or fix"))
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("subscription_id", subID).
		Str("operation", resp.Operation).
		Bool("success", resp.Success).
		Msg("admin recovery")
	JSON(w, http.StatusOK, resp)
}

// ResetUsage zeroes a user's free workout counter.
func (h *AdminHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		Error(w, domain.ErrBadRequest("user id is required"))
		return
	}
	rec, err := h.writer.ResetFreeUsage(r.Context(), userID)
	if err != nil {
		Error(w, err)
		return
	}
	h.cache.Invalidate(r.Context(), userID)
	JSON(w, http.StatusOK, rec)
}
