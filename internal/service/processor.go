package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/rs/zerolog"
)

// PaymentFailedPolicy selects how invoice.payment_failed is applied.
type PaymentFailedPolicy string

const (
	// PaymentFailedFixed writes past_due without asking the provider.
	PaymentFailedFixed PaymentFailedPolicy = "fixed"
	// PaymentFailedRequery applies the provider's current status, or past_due if the query fails.
	PaymentFailedRequery PaymentFailedPolicy = "requery"
)

// ProcessorConfig bounds webhook handling.
type ProcessorConfig struct {
	WebhookTimeout       time.Duration
	ProviderQueryTimeout time.Duration
	PaymentFailedPolicy  PaymentFailedPolicy
}

// HandlerResult describes one processed webhook.
type HandlerResult struct {
	Received         bool             `json:"received"`
	EventID          string           `json:"eventId"`
	EventType        string           `json:"eventType"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	UserID           string           `json:"-"`
	Resolution       ResolutionSource `json:"-"`
	Applied          bool             `json:"-"`
	Ignored          bool             `json:"-"`
}

// EventProcessor verifies billing webhooks and applies them to the canonical store.
type EventProcessor struct {
	gateway  payment.Gateway
	writer   *CanonicalWriter
	resolver *UserResolver
	ledger   DeliveryLedger
	metrics  *Metrics
	cfg      ProcessorConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewEventProcessor(gateway payment.Gateway, writer *CanonicalWriter, resolver *UserResolver, ledger DeliveryLedger, metrics *Metrics, cfg ProcessorConfig, log zerolog.Logger) *EventProcessor {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 55 * time.Second
	}
	if cfg.ProviderQueryTimeout <= 0 {
		cfg.ProviderQueryTimeout = 10 * time.Second
	}
	if cfg.PaymentFailedPolicy == "" {
		cfg.PaymentFailedPolicy = PaymentFailedFixed
	}
	return &EventProcessor{
		gateway:  gateway,
		writer:   writer,
		resolver: resolver,
		ledger:   ledger,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With().Str("component", "event_processor").Logger(),
		now:      time.Now,
	}
}

// HandleWebhook verifies and applies one webhook delivery. Returned errors are
// *domain.AppError; their Retryable flag tells the transport whether to redeliver.
func (p *EventProcessor) HandleWebhook(ctx context.Context, body []byte, signature string) (*HandlerResult, error) {
	start := p.now()

	ev, err := p.gateway.ConstructEvent(body, signature)
	if err != nil {
		p.metrics.observeWebhook("unknown", "signature_error", p.now().Sub(start))
		p.log.Warn().Err(err).Msg("webhook signature verification failed")
		if errors.Is(err, payment.ErrInvalidSignature) {
			return nil, domain.WithCause(domain.ErrSignature, err)
		}
		return nil, domain.ErrBadRequest("malformed webhook envelope")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WebhookTimeout)
	defer cancel()

	res := &HandlerResult{Received: true, EventID: ev.ID, EventType: ev.Type, Resolution: Unresolved}

	switch ev.Type {
	case payment.EventSubscriptionCreated, payment.EventSubscriptionUpdated:
		err = p.handleSubscription(ctx, ev, false, res)
	case payment.EventSubscriptionDeleted:
		err = p.handleSubscription(ctx, ev, true, res)
	case payment.EventInvoicePaymentSucceeded:
		err = p.handlePaymentSucceeded(ctx, ev, res)
	case payment.EventInvoicePaymentFailed:
		err = p.handlePaymentFailed(ctx, ev, res)
	default:
		res.Ignored = true
	}

	elapsed := p.now().Sub(start)
	res.ProcessingTimeMs = elapsed.Milliseconds()
	p.record(ctx, ev, start, err)

	logEvt := p.log.Info()
	outcome := "applied"
	switch {
	case err != nil:
		logEvt = p.log.Error().Err(err)
		outcome = "error"
		if domain.IsRetryable(err) {
			logEvt = p.log.Warn().Err(err)
			outcome = "retry"
		}
	case res.Ignored:
		logEvt = p.log.Debug()
		outcome = "ignored"
	case !res.Applied:
		outcome = "stale"
	}
	p.metrics.observeWebhook(ev.Type, outcome, elapsed)
	logEvt.
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("user_id", res.UserID).
		Str("resolved_by", string(res.Resolution)).
		Str("outcome", outcome).
		Int64("duration_ms", res.ProcessingTimeMs).
		Msg("webhook processed")

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *EventProcessor) handleSubscription(ctx context.Context, ev *payment.Event, deleted bool, res *HandlerResult) error {
	sub, err := payment.ParseSubscription(ev.Object)
	if err != nil {
		return domain.ErrBadRequest(err.Error())
	}
	userID, err := p.resolve(ctx, sub.UserID(), sub.CustomerID, res)
	if err != nil {
		return err
	}

	patch := sub.Patch(ev.Created)
	if deleted {
		patch.Status = domain.Ptr(domain.StatusCanceled)
		if patch.CanceledAt == nil {
			patch.CanceledAt = domain.Ptr(domain.Millis(p.now()))
		}
	}
	return p.apply(ctx, userID, patch, ev, res)
}

func (p *EventProcessor) handlePaymentSucceeded(ctx context.Context, ev *payment.Event, res *HandlerResult) error {
	inv, err := payment.ParseInvoice(ev.Object)
	if err != nil {
		return domain.ErrBadRequest(err.Error())
	}
	if inv.SubscriptionID == "" {
		res.Ignored = true
		return nil
	}
	userID, err := p.resolve(ctx, inv.UserID(), inv.CustomerID, res)
	if err != nil {
		return err
	}

	if patch, ok := p.requery(ctx, inv.SubscriptionID, ev); ok {
		return p.apply(ctx, userID, patch, ev, res)
	}
	// A paid invoice means the subscription is active even if the provider could not be read.
	return p.apply(ctx, userID, minimalPatch(inv, domain.StatusActive, ev.Created), ev, res)
}

func (p *EventProcessor) handlePaymentFailed(ctx context.Context, ev *payment.Event, res *HandlerResult) error {
	inv, err := payment.ParseInvoice(ev.Object)
	if err != nil {
		return domain.ErrBadRequest(err.Error())
	}
	if inv.SubscriptionID == "" {
		res.Ignored = true
		return nil
	}
	userID, err := p.resolve(ctx, inv.UserID(), inv.CustomerID, res)
	if err != nil {
		return err
	}

	if p.cfg.PaymentFailedPolicy == PaymentFailedRequery {
		if patch, ok := p.requery(ctx, inv.SubscriptionID, ev); ok {
			return p.apply(ctx, userID, patch, ev, res)
		}
	}
	return p.apply(ctx, userID, minimalPatch(inv, domain.StatusPastDue, ev.Created), ev, res)
}

// requery fetches the subscription under the provider query timeout. The
// result is stamped with the fetch time since it reflects every earlier event.
func (p *EventProcessor) requery(ctx context.Context, subscriptionID string, ev *payment.Event) (domain.Patch, bool) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderQueryTimeout)
	defer cancel()

	sub, err := p.gateway.GetSubscription(qctx, subscriptionID)
	if err != nil {
		p.log.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("subscription_id", subscriptionID).
			Msg("subscription re-fetch failed, applying minimal status update")
		return domain.Patch{}, false
	}
	fetchedAt := p.now()
	if fetchedAt.Before(ev.Created) {
		fetchedAt = ev.Created
	}
	return sub.Patch(fetchedAt), true
}

func minimalPatch(inv *payment.Invoice, status domain.Status, eventAt time.Time) domain.Patch {
	return domain.Patch{
		SubscriptionID: domain.Ptr(inv.SubscriptionID),
		CustomerID:     domain.Ptr(inv.CustomerID),
		Status:         domain.Ptr(status),
		EventAt:        domain.Millis(eventAt),
	}
}

func (p *EventProcessor) resolve(ctx context.Context, metadataUserID, customerID string, res *HandlerResult) (string, error) {
	r, err := p.resolver.Resolve(ctx, metadataUserID, customerID)
	if err != nil {
		return "", err
	}
	res.Resolution = r.Source
	if r.Source == Unresolved {
		return "", domain.WithCause(domain.ErrUnresolvedUser, fmt.Errorf("customer %q", customerID))
	}
	res.UserID = r.UserID

	if r.Source == ResolvedFromMetadata && customerID != "" {
		if err := p.resolver.Remember(ctx, customerID, r.UserID); err != nil {
			p.log.Warn().Err(err).Str("customer_id", customerID).Msg("failed to link customer")
		}
	}
	return r.UserID, nil
}

func (p *EventProcessor) apply(ctx context.Context, userID string, patch domain.Patch, ev *payment.Event, res *HandlerResult) error {
	patch.FallbackMode = domain.Ptr(false)
	_, applied, err := p.writer.Apply(ctx, userID, patch, "webhook:"+ev.Type)
	if err != nil {
		return err
	}
	res.Applied = applied
	return nil
}

func (p *EventProcessor) record(ctx context.Context, ev *payment.Event, receivedAt time.Time, handleErr error) {
	if p.ledger == nil {
		return
	}
	d := domain.Delivery{
		EventID:    ev.ID,
		EventType:  ev.Type,
		Created:    ev.Created,
		ReceivedAt: receivedAt,
	}
	if handleErr != nil {
		d.Error = handleErr.Error()
	}
	// Detached so an expired handler deadline still records the delivery.
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.ledger.Record(lctx, d); err != nil {
		p.log.Warn().Err(err).Str("event_id", ev.ID).Msg("failed to record delivery")
	}
}
