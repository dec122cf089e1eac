package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fitplan/subsync/internal/domain"
)

// Gateway defines the billing provider operations the reconciler depends on.
type Gateway interface {
	// ConstructEvent verifies the webhook signature and decodes the envelope.
	// Verification failures wrap ErrInvalidSignature.
	ConstructEvent(payload []byte, signature string) (*Event, error)
	// GetSubscription fetches the authoritative subscription object.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	// ListRecentWebhookEvents returns delivery samples created within window.
	ListRecentWebhookEvents(ctx context.Context, window time.Duration) ([]domain.WebhookEvent, error)
}

// Errors returned by gateways. Callers classify with errors.Is.
var (
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	ErrNotFound         = errors.New("payment: resource not found")
	ErrTransient        = errors.New("payment: transient provider failure")
	ErrMalformed        = errors.New("payment: malformed provider payload")
)

// Webhook event types the reconciler acts on.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// TrackedEventTypes lists the recognised event types.
var TrackedEventTypes = []string{
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
	EventInvoicePaymentSucceeded,
	EventInvoicePaymentFailed,
}

// IsTracked reports whether eventType is one the reconciler handles.
func IsTracked(eventType string) bool {
	for _, t := range TrackedEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is a verified webhook envelope.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object payload.
	Object json.RawMessage
}

// IsPermanent reports whether a provider error should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed)
}
