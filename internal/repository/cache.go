package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatusKey is the system_cache key holding the last webhook health check.
const HealthStatusKey = "webhook_health"

// CacheRepository handles the system_cache table, a small key/value store for
// process-wide state that must survive restarts.
type CacheRepository struct {
	db *pgxpool.Pool
}

// NewCacheRepository creates a new CacheRepository.
func NewCacheRepository(db *pgxpool.Pool) *CacheRepository {
	return &CacheRepository{db: db}
}

// Get decodes the entry for key into v. It reports false on a cache miss.
func (r *CacheRepository) Get(ctx context.Context, key string, v any) (bool, time.Time, error) {
	query := `SELECT data, updated_at FROM system_cache WHERE key = $1`
	var (
		data      []byte
		updatedAt time.Time
	)
	err := r.db.QueryRow(ctx, query, key).Scan(&data, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("failed to scan system_cache entry: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, time.Time{}, fmt.Errorf("failed to decode system_cache entry %s: %w", key, err)
	}
	return true, updatedAt, nil
}

// Set inserts or updates a cache entry.
func (r *CacheRepository) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode system_cache entry %s: %w", key, err)
	}
	query := `
		INSERT INTO system_cache (key, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, key, data); err != nil {
		return fmt.Errorf("failed to set system_cache entry: %w", err)
	}
	return nil
}

// SaveHealth persists the latest health check.
func (r *CacheRepository) SaveHealth(ctx context.Context, s domain.HealthStatus) error {
	return r.Set(ctx, HealthStatusKey, s)
}

// LoadHealth returns the last persisted health check, or nil.
func (r *CacheRepository) LoadHealth(ctx context.Context) (*domain.HealthStatus, error) {
	var s domain.HealthStatus
	found, _, err := r.Get(ctx, HealthStatusKey, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// MemoryStatusStore keeps the health status in process.
type MemoryStatusStore struct {
	mu     sync.RWMutex
	status *domain.HealthStatus
	saves  int
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{}
}

func (s *MemoryStatusStore) SaveHealth(_ context.Context, st domain.HealthStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &st
	s.saves++
	return nil
}

func (s *MemoryStatusStore) LoadHealth(_ context.Context) (*domain.HealthStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == nil {
		return nil, nil
	}
	cp := *s.status
	return &cp, nil
}

// Saves returns how many times a status was persisted.
func (s *MemoryStatusStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
