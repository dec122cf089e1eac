package handler

import (
	"net/http"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/service"
)

// EntitlementHandler serves the caller's subscription state through the cache manager.
type EntitlementHandler struct {
	cache *service.CacheManager
	plans *domain.PlanCatalog
}

// NewEntitlementHandler creates a new EntitlementHandler.
func NewEntitlementHandler(cache *service.CacheManager, plans *domain.PlanCatalog) *EntitlementHandler {
	return &EntitlementHandler{cache: cache, plans: plans}
}

type entitlementResponse struct {
	UserID       string                     `json:"userId"`
	Subscription *domain.SubscriptionRecord `json:"subscription"`
	Source       domain.Source              `json:"source"`
	Entitlement  domain.Entitlement         `json:"entitlement"`
	FallbackMode bool                       `json:"fallbackMode"`
}

// Get handles GET /api/entitlement. ?refresh=true bypasses the cache entry.
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(r)
	if !ok {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	force := r.URL.Query().Get("refresh") == "true"
	rec, source := h.cache.GetSubscription(r.Context(), userID, force)
	JSON(w, http.StatusOK, h.response(userID, rec, source))
}

// Refresh handles POST /api/entitlement/refresh.
func (h *EntitlementHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(r)
	if !ok {
		JSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	rec, source := h.cache.RefreshSubscription(r.Context(), userID)
	JSON(w, http.StatusOK, h.response(userID, rec, source))
}

func (h *EntitlementHandler) response(userID string, rec *domain.SubscriptionRecord, source domain.Source) entitlementResponse {
	return entitlementResponse{
		UserID:       userID,
		Subscription: rec,
		Source:       source,
		Entitlement:  domain.DeriveEntitlement(rec, h.plans),
		FallbackMode: h.cache.FallbackMode(),
	}
}
