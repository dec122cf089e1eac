package service

import (
	"context"
	"time"

	"github.com/fitplan/subsync/internal/domain"
)

// CanonicalStore is the authoritative per-user entitlement document store.
// Only CanonicalWriter calls Merge.
type CanonicalStore interface {
	// Get returns nil without error when the user has no record.
	Get(ctx context.Context, userID string) (*domain.SubscriptionRecord, error)
	Merge(ctx context.Context, userID string, p domain.Patch) (*domain.SubscriptionRecord, bool, error)
	FindBySubscription(ctx context.Context, subscriptionID string) (*domain.UserRecord, error)
	ListStuck(ctx context.Context, status domain.Status, updatedBefore int64, limit int) ([]domain.UserRecord, error)
	Subscribe(ctx context.Context, userID string, onChange func(*domain.SubscriptionRecord), onError func(error)) (func(), error)
}

// CustomerDirectory maps billing customers to users.
type CustomerDirectory interface {
	LookupUser(ctx context.Context, customerID string) (string, error)
	Link(ctx context.Context, customerID, userID string) error
}

// DeliveryLedger records webhook receipts for delivery latency measurement.
type DeliveryLedger interface {
	Record(ctx context.Context, d domain.Delivery) error
	Since(ctx context.Context, since time.Time) ([]domain.Delivery, error)
}

// StatusStore persists the latest health check.
type StatusStore interface {
	SaveHealth(ctx context.Context, s domain.HealthStatus) error
	LoadHealth(ctx context.Context) (*domain.HealthStatus, error)
}

// FallbackStore holds the local fallback copy of each user's record.
type FallbackStore interface {
	Save(ctx context.Context, userID string, rec *domain.SubscriptionRecord) error
	Load(ctx context.Context, userID string) (*domain.SubscriptionRecord, time.Time, error)
}
