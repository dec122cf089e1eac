package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CustomerRepository maps billing provider customer IDs to user IDs.
type CustomerRepository struct {
	db *pgxpool.Pool
}

// NewCustomerRepository creates a new CustomerRepository.
func NewCustomerRepository(db *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// LookupUser returns the user linked to customerID, or "" when unknown.
func (r *CustomerRepository) LookupUser(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx, `SELECT user_id FROM billing_customers WHERE customer_id = $1`, customerID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up customer: %w", err)
	}
	return userID, nil
}

// Link records that customerID belongs to userID. An existing link is replaced.
func (r *CustomerRepository) Link(ctx context.Context, customerID, userID string) error {
	query := `
		INSERT INTO billing_customers (customer_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (customer_id) DO UPDATE SET user_id = EXCLUDED.user_id
		WHERE billing_customers.user_id <> EXCLUDED.user_id
	`
	if _, err := r.db.Exec(ctx, query, customerID, userID); err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

// MemoryCustomerDirectory is the in-process customer directory.
type MemoryCustomerDirectory struct {
	mu        sync.RWMutex
	customers map[string]string
	lookupErr error
}

func NewMemoryCustomerDirectory() *MemoryCustomerDirectory {
	return &MemoryCustomerDirectory{customers: make(map[string]string)}
}

// SetLookupError makes LookupUser fail with err until cleared with nil.
func (d *MemoryCustomerDirectory) SetLookupError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookupErr = err
}

func (d *MemoryCustomerDirectory) LookupUser(_ context.Context, customerID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lookupErr != nil {
		return "", d.lookupErr
	}
	return d.customers[customerID], nil
}

func (d *MemoryCustomerDirectory) Link(_ context.Context, customerID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customers[customerID] = userID
	return nil
}
