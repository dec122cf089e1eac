package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/service"
)

// SignatureHeader is the header carrying the billing provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// maxWebhookBody matches the provider's documented maximum event payload.
const maxWebhookBody = 64 << 10

// WebhookHandler receives billing provider events.
type WebhookHandler struct {
	processor *service.EventProcessor
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(processor *service.EventProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// HandleBilling handles POST /api/webhooks/billing.
// The raw body must reach the processor untouched for signature verification.
func (h *WebhookHandler) HandleBilling(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, &domain.AppError{Code: http.StatusRequestEntityTooLarge, Message: "webhook payload too large"})
			return
		}
		Error(w, domain.ErrBadRequest("failed to read body"))
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		Error(w, domain.ErrSignature)
		return
	}

	res, err := h.processor.HandleWebhook(r.Context(), body, signature)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
