package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_SubscriptionCreatedWithMetadata(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	payload := eventPayload(t, "evt_1", payment.EventSubscriptionCreated, baseTime, subscriptionObject("sub_1", "cus_1", "active", "u1"))
	res, err := h.deliver(t, p, payload)
	require.NoError(t, err)

	assert.True(t, res.Received)
	assert.Equal(t, "evt_1", res.EventID)
	assert.Equal(t, ResolvedFromMetadata, res.Resolution)
	assert.True(t, res.Applied)

	rec := h.record(t, "u1")
	require.NotNil(t, rec)
	assert.Equal(t, "sub_1", rec.SubscriptionID)
	assert.Equal(t, "cus_1", rec.CustomerID)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, "price_monthly", rec.PriceID)
	assert.Equal(t, domain.Millis(baseTime.Add(30*24*time.Hour)), rec.CurrentPeriodEnd)
	assert.Equal(t, domain.Millis(baseTime), rec.LastEventAt)
	assert.False(t, rec.FallbackMode)

	linked, err := h.customers.LookupUser(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", linked, "metadata resolution links the customer for later events")

	deliveries, err := h.ledger.Since(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "evt_1", deliveries[0].EventID)
	assert.Empty(t, deliveries[0].Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues(payment.EventSubscriptionCreated, "applied")))
}

// No metadata and no customer link means nothing is written and
// the provider is asked to redeliver.
func TestProcessor_UnresolvedUserIsRetryable(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	payload := eventPayload(t, "evt_a", payment.EventSubscriptionCreated, baseTime, subscriptionObject("sub_1", "cus_unknown", "active", ""))
	res, err := h.deliver(t, p, payload)
	require.Error(t, err)
	assert.Nil(t, res)

	assert.ErrorIs(t, err, domain.ErrUnresolvedUser)
	assert.True(t, domain.IsRetryable(err))
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.Code)
	assert.Equal(t, 0, h.store.Merges())

	deliveries, _ := h.ledger.Since(context.Background(), time.Time{})
	require.Len(t, deliveries, 1)
	assert.NotEmpty(t, deliveries[0].Error, "failed handling is visible to the health monitor")
}

func TestProcessor_ResolvesThroughCustomerDirectory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.customers.Link(context.Background(), "cus_9", "u9"))
	p := h.processor(PaymentFailedFixed)

	payload := eventPayload(t, "evt_2", payment.EventSubscriptionUpdated, baseTime, subscriptionObject("sub_9", "cus_9", "trialing", ""))
	res, err := h.deliver(t, p, payload)
	require.NoError(t, err)
	assert.Equal(t, ResolvedFromCustomerLookup, res.Resolution)
	assert.Equal(t, "u9", res.UserID)
	assert.Equal(t, domain.StatusTrialing, h.record(t, "u9").Status)
}

func TestProcessor_CustomerDirectoryFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.customers.SetLookupError(errors.New("connection reset"))
	p := h.processor(PaymentFailedFixed)

	payload := eventPayload(t, "evt_3", payment.EventSubscriptionUpdated, baseTime, subscriptionObject("sub_1", "cus_1", "active", ""))
	_, err := h.deliver(t, p, payload)
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, 0, h.store.Merges())
}

func TestProcessor_InvalidSignature(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	payload := eventPayload(t, "evt_4", payment.EventSubscriptionCreated, baseTime, subscriptionObject("sub_1", "cus_1", "active", "u1"))
	_, err := p.HandleWebhook(context.Background(), payload, "sha256=deadbeef")
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrSignature)
	assert.False(t, domain.IsRetryable(err), "signature failures are terminal")
	assert.Equal(t, 0, h.store.Merges())

	deliveries, _ := h.ledger.Since(context.Background(), time.Time{})
	assert.Empty(t, deliveries, "unverified payloads are not recorded")
}

func TestProcessor_UnknownEventTypeIgnored(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	payload := eventPayload(t, "evt_5", "customer.created", baseTime, map[string]any{"id": "cus_1", "object": "customer"})
	res, err := h.deliver(t, p, payload)
	require.NoError(t, err)
	assert.True(t, res.Received)
	assert.True(t, res.Ignored)
	assert.Equal(t, 0, h.store.Merges())
}

func TestProcessor_MalformedObjectIsBadRequest(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	obj := subscriptionObject("sub_1", "cus_1", "mystery", "u1")
	_, err := h.deliver(t, p, eventPayload(t, "evt_6", payment.EventSubscriptionUpdated, baseTime, obj))
	require.Error(t, err)
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.Code)
	assert.False(t, appErr.Retryable)
	assert.Equal(t, 0, h.store.Merges())
}

func TestProcessor_StoreFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.store.SetMergeError(errors.New("deadline exceeded"))
	p := h.processor(PaymentFailedFixed)

	_, err := h.deliver(t, p, eventPayload(t, "evt_7", payment.EventSubscriptionCreated, baseTime, subscriptionObject("sub_1", "cus_1", "active", "u1")))
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestProcessor_DeletedForcesCanceled(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)
	p.now = func() time.Time { return baseTime.Add(2 * time.Hour) }

	_, err := h.deliver(t, p, eventPayload(t, "evt_8", payment.EventSubscriptionCreated, baseTime, subscriptionObject("sub_1", "cus_1", "active", "u1")))
	require.NoError(t, err)

	// Deleted payloads may still report the old status; the event type wins.
	_, err = h.deliver(t, p, eventPayload(t, "evt_9", payment.EventSubscriptionDeleted, baseTime.Add(time.Hour), subscriptionObject("sub_1", "cus_1", "active", "u1")))
	require.NoError(t, err)

	rec := h.record(t, "u1")
	assert.Equal(t, domain.StatusCanceled, rec.Status)
	require.NotNil(t, rec.CanceledAt)
	assert.Equal(t, domain.Millis(baseTime.Add(2*time.Hour)), *rec.CanceledAt)
}

func TestProcessor_CanceledIsTerminal(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedRequery)
	h.gateway.SetSubscription(providerSubscription("sub_1", "cus_1", "u1", domain.StatusActive))

	deleted := subscriptionObject("sub_1", "cus_1", "canceled", "u1")
	deleted["canceled_at"] = baseTime.Unix()
	_, err := h.deliver(t, p, eventPayload(t, "evt_10", payment.EventSubscriptionDeleted, baseTime, deleted))
	require.NoError(t, err)

	later := []struct {
		eventType string
		object    map[string]any
	}{
		{payment.EventSubscriptionUpdated, subscriptionObject("sub_1", "cus_1", "active", "u1")},
		{payment.EventInvoicePaymentSucceeded, invoiceObject("in_1", "cus_1", "sub_1", "u1")},
		{payment.EventInvoicePaymentFailed, invoiceObject("in_2", "cus_1", "sub_1", "u1")},
	}
	for i, ev := range later {
		_, err := h.deliver(t, p, eventPayload(t, fmt.Sprintf("evt_late_%d", i), ev.eventType, baseTime.Add(time.Duration(i+1)*time.Hour), ev.object))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCanceled, h.record(t, "u1").Status, "after %s", ev.eventType)
	}
}

func TestProcessor_ResubscribeAfterCancel(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	_, err := h.deliver(t, p, eventPayload(t, "evt_11", payment.EventSubscriptionDeleted, baseTime, subscriptionObject("sub_1", "cus_1", "canceled", "u1")))
	require.NoError(t, err)
	_, err = h.deliver(t, p, eventPayload(t, "evt_12", payment.EventSubscriptionCreated, baseTime.Add(time.Hour), subscriptionObject("sub_2", "cus_1", "active", "u1")))
	require.NoError(t, err)

	rec := h.record(t, "u1")
	assert.Equal(t, "sub_2", rec.SubscriptionID)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, []string{"sub_1"}, rec.PreviousSubscriptionIDs)
}

// Under the fixed policy payment_failed always writes past_due.
func TestProcessor_PaymentFailedFixedWritesPastDue(t *testing.T) {
	for _, prior := range []domain.Status{domain.StatusActive, domain.StatusTrialing, domain.StatusIncomplete, domain.StatusUnpaid, domain.StatusPastDue} {
		t.Run(string(prior), func(t *testing.T) {
			h := newHarness(t)
			h.store.Put("u1", &domain.SubscriptionRecord{
				SubscriptionID: "sub_1",
				CustomerID:     "cus_1",
				Status:         prior,
				LastEventAt:    domain.Millis(baseTime),
			})
			// The provider disagrees; the fixed policy does not ask it.
			h.gateway.SetSubscription(providerSubscription("sub_1", "cus_1", "u1", domain.StatusActive))
			p := h.processor(PaymentFailedFixed)

			_, err := h.deliver(t, p, eventPayload(t, "evt_b", payment.EventInvoicePaymentFailed, baseTime.Add(time.Minute), invoiceObject("in_1", "cus_1", "sub_1", "u1")))
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPastDue, h.record(t, "u1").Status)
			assert.EqualValues(t, 0, h.gateway.GetCalls())
		})
	}
}

func TestProcessor_PaymentFailedRequeryUsesProviderStatus(t *testing.T) {
	h := newHarness(t)
	h.store.Put("u1", &domain.SubscriptionRecord{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: domain.StatusActive, LastEventAt: domain.Millis(baseTime)})
	h.gateway.SetSubscription(providerSubscription("sub_1", "cus_1", "u1", domain.StatusUnpaid))
	p := h.processor(PaymentFailedRequery)

	_, err := h.deliver(t, p, eventPayload(t, "evt_c", payment.EventInvoicePaymentFailed, baseTime.Add(time.Minute), invoiceObject("in_1", "cus_1", "sub_1", "u1")))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnpaid, h.record(t, "u1").Status)
	assert.EqualValues(t, 1, h.gateway.GetCalls())
}

func TestProcessor_PaymentFailedRequeryFallsBackToPastDue(t *testing.T) {
	h := newHarness(t)
	h.store.Put("u1", &domain.SubscriptionRecord{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: domain.StatusActive, LastEventAt: domain.Millis(baseTime)})
	h.gateway.SetGetError(fmt.Errorf("%w: 503", payment.ErrTransient))
	p := h.processor(PaymentFailedRequery)

	_, err := h.deliver(t, p, eventPayload(t, "evt_d", payment.EventInvoicePaymentFailed, baseTime.Add(time.Minute), invoiceObject("in_1", "cus_1", "sub_1", "u1")))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, h.record(t, "u1").Status)
}

func TestProcessor_PaymentSucceededRequeriesProvider(t *testing.T) {
	h := newHarness(t)
	h.store.Put("u1", &domain.SubscriptionRecord{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: domain.StatusIncomplete, LastEventAt: domain.Millis(baseTime)})
	h.gateway.SetSubscription(providerSubscription("sub_1", "cus_1", "u1", domain.StatusActive))
	p := h.processor(PaymentFailedFixed)

	_, err := h.deliver(t, p, eventPayload(t, "evt_e", payment.EventInvoicePaymentSucceeded, baseTime.Add(time.Minute), invoiceObject("in_1", "cus_1", "sub_1", "u1")))
	require.NoError(t, err)

	rec := h.record(t, "u1")
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, domain.Millis(baseTime.Add(30*24*time.Hour)), rec.CurrentPeriodEnd, "period comes from the provider object")
	assert.EqualValues(t, 1, h.gateway.GetCalls())
}

func TestProcessor_PaymentSucceededWithoutProviderStillActivates(t *testing.T) {
	h := newHarness(t)
	h.store.Put("u1", &domain.SubscriptionRecord{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: domain.StatusIncomplete, LastEventAt: domain.Millis(baseTime)})
	h.gateway.SetGetError(fmt.Errorf("%w: timeout", payment.ErrTransient))
	p := h.processor(PaymentFailedFixed)

	_, err := h.deliver(t, p, eventPayload(t, "evt_f", payment.EventInvoicePaymentSucceeded, baseTime.Add(time.Minute), invoiceObject("in_1", "cus_1", "sub_1", "u1")))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, h.record(t, "u1").Status)
}

func TestProcessor_InvoiceWithoutSubscriptionIgnored(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)

	res, err := h.deliver(t, p, eventPayload(t, "evt_g", payment.EventInvoicePaymentSucceeded, baseTime, invoiceObject("in_1", "cus_1", "", "u1")))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, 0, h.store.Merges())
}

func TestProcessor_WebhookClearsFallbackFlag(t *testing.T) {
	h := newHarness(t)
	h.store.Put("u1", &domain.SubscriptionRecord{SubscriptionID: "sub_1", CustomerID: "cus_1", Status: domain.StatusIncomplete, FallbackMode: true})
	p := h.processor(PaymentFailedFixed)

	_, err := h.deliver(t, p, eventPayload(t, "evt_h", payment.EventSubscriptionUpdated, baseTime, subscriptionObject("sub_1", "cus_1", "active", "u1")))
	require.NoError(t, err)
	assert.False(t, h.record(t, "u1").FallbackMode)
}

func TestProcessor_ReplayIsNoOp(t *testing.T) {
	h := newHarness(t)
	p := h.processor(PaymentFailedFixed)
	payload := eventPayload(t, "evt_i", payment.EventSubscriptionUpdated, baseTime, subscriptionObject("sub_1", "cus_1", "active", "u1"))

	_, err := h.deliver(t, p, payload)
	require.NoError(t, err)
	first := stripClock(h.record(t, "u1"))

	_, err = h.deliver(t, p, payload)
	require.NoError(t, err)
	assert.Equal(t, first, stripClock(h.record(t, "u1")))

	deliveries, _ := h.ledger.Since(context.Background(), time.Time{})
	require.Len(t, deliveries, 1)
	assert.Equal(t, 2, deliveries[0].Attempts)
}

func TestProcessor_ConvergesUnderReorderingAndDuplication(t *testing.T) {
	created := subscriptionObject("sub_1", "cus_1", "incomplete", "u1")
	active := subscriptionObject("sub_1", "cus_1", "active", "u1")
	scheduled := subscriptionObject("sub_1", "cus_1", "active", "u1")
	scheduled["cancel_at_period_end"] = true
	deleted := subscriptionObject("sub_1", "cus_1", "canceled", "u1")
	deleted["cancel_at_period_end"] = true
	deleted["canceled_at"] = baseTime.Add(3 * time.Hour).Unix()

	type event struct {
		id, eventType string
		created       time.Time
		object        map[string]any
	}
	events := []event{
		{"evt_1", payment.EventSubscriptionCreated, baseTime, created},
		{"evt_2", payment.EventSubscriptionUpdated, baseTime.Add(time.Hour), active},
		{"evt_3", payment.EventSubscriptionUpdated, baseTime.Add(2 * time.Hour), scheduled},
		{"evt_4", payment.EventSubscriptionDeleted, baseTime.Add(3 * time.Hour), deleted},
	}

	run := func(order []int) *domain.SubscriptionRecord {
		h := newHarness(t)
		p := h.processor(PaymentFailedFixed)
		for _, i := range order {
			e := events[i]
			_, err := h.deliver(t, p, eventPayload(t, e.id, e.eventType, e.created, e.object))
			require.NoError(t, err)
		}
		return stripClock(h.record(t, "u1"))
	}

	want := run([]int{0, 1, 2, 3})
	require.Equal(t, domain.StatusCanceled, want.Status)

	for _, order := range [][]int{
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 2, 0, 1, 3, 3},
		{0, 3, 1, 0, 2},
		{1, 1, 1, 2, 0, 3, 0},
	} {
		assert.Equal(t, want, run(order), "order %v", order)
	}
}
