package service

import (
	"context"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/rs/zerolog"
)

// CanonicalWriter is the single mutation path for subscription records.
// The event processor, recovery manager and admin operations all write through it.
type CanonicalWriter struct {
	store CanonicalStore
	log   zerolog.Logger
}

func NewCanonicalWriter(store CanonicalStore, log zerolog.Logger) *CanonicalWriter {
	return &CanonicalWriter{
		store: store,
		log:   log.With().Str("component", "canonical_writer").Logger(),
	}
}

// Apply merges p into userID's record. origin names the caller for the log.
// Store failures are returned as retryable AppErrors.
func (w *CanonicalWriter) Apply(ctx context.Context, userID string, p domain.Patch, origin string) (*domain.SubscriptionRecord, bool, error) {
	rec, applied, err := w.store.Merge(ctx, userID, p)
	if err != nil {
		return nil, false, domain.ErrUnavailable("canonical store unavailable", err)
	}

	evt := w.log.Debug()
	if !applied && p.EventAt != 0 {
		evt = w.log.Info()
	}
	evt.Str("user_id", userID).
		Str("origin", origin).
		Str("subscription_id", rec.SubscriptionID).
		Str("status", string(rec.Status)).
		Bool("applied", applied).
		Msg("canonical record merged")
	return rec, applied, nil
}

// ResetFreeUsage is the administrative reset of the free workout counter.
func (w *CanonicalWriter) ResetFreeUsage(ctx context.Context, userID string) (*domain.SubscriptionRecord, error) {
	rec, _, err := w.Apply(ctx, userID, domain.Patch{ResetFreeUsage: true}, "admin_reset")
	return rec, err
}
