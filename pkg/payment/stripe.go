package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/event"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// maxListedEvents bounds one health sample.
const maxListedEvents = 500

// StripeGateway implements Gateway using the Stripe API.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the Stripe client with the given API key and webhook signing secret.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

// ConstructEvent validates the Stripe-Signature header and decodes the event envelope.
func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformed, ev.ID)
	}
	return &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0),
		Object:  ev.Data.Raw,
	}, nil
}

// GetSubscription retrieves a subscription and runs it through the same parser as webhook payloads.
func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	if sub.LastResponse == nil {
		return nil, fmt.Errorf("%w: subscription %s returned no body", ErrMalformed, subscriptionID)
	}
	return ParseSubscription(sub.LastResponse.RawJSON)
}

// ListRecentWebhookEvents lists tracked events created within window.
// An event counts as delivered once Stripe has no pending webhook deliveries for it.
func (g *StripeGateway) ListRecentWebhookEvents(ctx context.Context, window time.Duration) ([]domain.WebhookEvent, error) {
	params := &stripe.EventListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: time.Now().Add(-window).Unix(),
		},
		Types: stripe.StringSlice(TrackedEventTypes),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []domain.WebhookEvent
	it := event.List(params)
	for it.Next() {
		e := it.Event()
		out = append(out, domain.WebhookEvent{
			ID:        e.ID,
			Type:      string(e.Type),
			Created:   time.Unix(e.Created, 0),
			Delivered: e.PendingWebhooks == 0,
		})
		if len(out) >= maxListedEvents {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, classifyStripeError(err)
	}
	return out, nil
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		default:
			return fmt.Errorf("stripe: %w", err)
		}
	}
	// Network-level failures never reached the API.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
