package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/internal/repository"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

var baseTime = time.Unix(1_700_000_000, 0)

type harness struct {
	store     *repository.MemorySubscriptionStore
	customers *repository.MemoryCustomerDirectory
	ledger    *repository.MemoryDeliveryLedger
	status    *repository.MemoryStatusStore
	gateway   *payment.MockGateway
	writer    *CanonicalWriter
	resolver  *UserResolver
	metrics   *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemorySubscriptionStore()
	customers := repository.NewMemoryCustomerDirectory()
	return &harness{
		store:     store,
		customers: customers,
		ledger:    repository.NewMemoryDeliveryLedger(),
		status:    repository.NewMemoryStatusStore(),
		gateway:   payment.NewMockGateway(testWebhookSecret),
		writer:    NewCanonicalWriter(store, zerolog.Nop()),
		resolver:  NewUserResolver(customers),
		metrics:   NewMetrics(),
	}
}

func (h *harness) processor(policy PaymentFailedPolicy) *EventProcessor {
	return NewEventProcessor(h.gateway, h.writer, h.resolver, h.ledger, h.metrics, ProcessorConfig{
		ProviderQueryTimeout: time.Second,
		PaymentFailedPolicy:  policy,
	}, zerolog.Nop())
}

func (h *harness) deliver(t *testing.T, p *EventProcessor, payload []byte) (*HandlerResult, error) {
	t.Helper()
	return p.HandleWebhook(context.Background(), payload, h.gateway.Sign(payload))
}

func (h *harness) record(t *testing.T, userID string) *domain.SubscriptionRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), userID)
	require.NoError(t, err)
	return rec
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

func subscriptionObject(subID, customerID, status, userID string) map[string]any {
	metadata := map[string]any{}
	if userID != "" {
		metadata["userId"] = userID
	}
	return map[string]any{
		"id":                   subID,
		"object":               "subscription",
		"customer":             customerID,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             metadata,
		"items": map[string]any{"data": []any{map[string]any{
			"price":                map[string]any{"id": "price_monthly"},
			"current_period_start": baseTime.Unix(),
			"current_period_end":   baseTime.Add(30 * 24 * time.Hour).Unix(),
		}}},
	}
}

func invoiceObject(invoiceID, customerID, subID, userID string) map[string]any {
	metadata := map[string]any{}
	if userID != "" {
		metadata["userId"] = userID
	}
	return map[string]any{
		"id":           invoiceID,
		"object":       "invoice",
		"customer":     customerID,
		"subscription": subID,
		"status":       "open",
		"metadata":     metadata,
	}
}

func providerSubscription(subID, customerID, userID string, status domain.Status) *payment.Subscription {
	return &payment.Subscription{
		ID:                 subID,
		CustomerID:         customerID,
		Status:             status,
		PriceID:            "price_monthly",
		CurrentPeriodStart: baseTime,
		CurrentPeriodEnd:   baseTime.Add(30 * 24 * time.Hour),
		Metadata:           map[string]string{"userId": userID},
	}
}

// stripClock drops the merge-clock fields so records written at different
// wall times can be compared.
func stripClock(r *domain.SubscriptionRecord) *domain.SubscriptionRecord {
	cp := r.Clone()
	if cp != nil {
		cp.CreatedAt = 0
		cp.UpdatedAt = 0
	}
	return cp
}

// fakeClock is a settable time source shared by a test and the code under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memFallback is a FallbackStore kept in memory with an injectable clock.
type memFallback struct {
	mu      sync.Mutex
	recs    map[string]*domain.SubscriptionRecord
	savedAt map[string]time.Time
	now     func() time.Time
}

func newMemFallback(now func() time.Time) *memFallback {
	return &memFallback{
		recs:    make(map[string]*domain.SubscriptionRecord),
		savedAt: make(map[string]time.Time),
		now:     now,
	}
}

func (f *memFallback) Save(_ context.Context, userID string, rec *domain.SubscriptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[userID] = rec.Clone()
	f.savedAt[userID] = f.now()
	return nil
}

func (f *memFallback) Load(_ context.Context, userID string) (*domain.SubscriptionRecord, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[userID]
	if !ok {
		return nil, time.Time{}, nil
	}
	return rec.Clone(), f.savedAt[userID], nil
}

func (f *memFallback) put(userID string, rec *domain.SubscriptionRecord, savedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[userID] = rec.Clone()
	f.savedAt[userID] = savedAt
}
