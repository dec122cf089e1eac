package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeliveryRepository is the webhook delivery ledger.
type DeliveryRepository struct {
	db *pgxpool.Pool
}

// NewDeliveryRepository creates a new DeliveryRepository.
func NewDeliveryRepository(db *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Record stores a delivery. Redeliveries keep the first receipt time and the latest error.
func (r *DeliveryRepository) Record(ctx context.Context, d domain.Delivery) error {
	query := `
		INSERT INTO webhook_deliveries (event_id, event_type, created_at, received_at, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE
		SET error = EXCLUDED.error,
		    attempts = webhook_deliveries.attempts + 1
	`
	if _, err := r.db.Exec(ctx, query, d.EventID, d.EventType, d.Created, d.ReceivedAt, d.Error); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Since returns deliveries for events created at or after since.
func (r *DeliveryRepository) Since(ctx context.Context, since time.Time) ([]domain.Delivery, error) {
	query := `
		SELECT event_id, event_type, created_at, received_at, error, attempts
		FROM webhook_deliveries WHERE created_at >= $1 ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.EventID, &d.EventType, &d.Created, &d.ReceivedAt, &d.Error, &d.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MemoryDeliveryLedger is the in-process delivery ledger.
type MemoryDeliveryLedger struct {
	mu         sync.RWMutex
	deliveries map[string]domain.Delivery
}

func NewMemoryDeliveryLedger() *MemoryDeliveryLedger {
	return &MemoryDeliveryLedger{deliveries: make(map[string]domain.Delivery)}
}

func (l *MemoryDeliveryLedger) Record(_ context.Context, d domain.Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.deliveries[d.EventID]; ok {
		prev.Error = d.Error
		prev.Attempts++
		l.deliveries[d.EventID] = prev
		return nil
	}
	d.Attempts = 1
	l.deliveries[d.EventID] = d
	return nil
}

func (l *MemoryDeliveryLedger) Since(_ context.Context, since time.Time) ([]domain.Delivery, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.Delivery
	for _, d := range l.deliveries {
		if !d.Created.Before(since) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}
