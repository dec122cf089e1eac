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
	"github.com/rs/zerolog"
)

// notifyChannel carries the user ID of every committed merge.
const notifyChannel = "entitlement_changed"

const (
	listenMinBackoff = time.Second
	listenMaxBackoff = 30 * time.Second
)

type watcher struct {
	onChange func(*domain.SubscriptionRecord)
	onError  func(error)
}

// SubscriptionRepository is the canonical store on PostgreSQL. Each user owns
// one jsonb document. Merges are serialised per user with an advisory lock and
// announced with NOTIFY; Subscribe fans those out from a single LISTEN connection.
type SubscriptionRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger

	mu        sync.Mutex
	watchers  map[string]map[uint64]watcher
	nextID    uint64
	listening bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSubscriptionRepository(db *pgxpool.Pool, log zerolog.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:       db,
		log:      log.With().Str("component", "canonical_store").Logger(),
		watchers: make(map[string]map[uint64]watcher),
	}
}

// Get returns the user's record, or nil when none exists.
func (r *SubscriptionRepository) Get(ctx context.Context, userID string) (*domain.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT doc FROM entitlements WHERE user_id = $1`, userID)
	rec, err := scanDoc(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement for %s: %w", userID, err)
	}
	return rec, nil
}

// Merge applies p to the user's record inside a transaction.
// The bool reports whether subscription fields were applied.
func (r *SubscriptionRepository) Merge(ctx context.Context, userID string, p domain.Patch) (*domain.SubscriptionRecord, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return nil, false, fmt.Errorf("failed to lock entitlement: %w", err)
	}

	current, err := scanDoc(tx.QueryRow(ctx, `SELECT doc FROM entitlements WHERE user_id = $1`, userID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entitlement: %w", err)
	}

	next, applied := domain.ApplyPatch(current, p, time.Now().UnixMilli())
	doc, err := json.Marshal(next)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode entitlement: %w", err)
	}

	query := `
		INSERT INTO entitlements (user_id, subscription_id, status, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET subscription_id = EXCLUDED.subscription_id,
		    status = EXCLUDED.status,
		    doc = EXCLUDED.doc,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Exec(ctx, query, userID, next.SubscriptionID, string(next.Status), doc, next.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("failed to write entitlement: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, userID); err != nil {
		return nil, false, fmt.Errorf("failed to notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit merge: %w", err)
	}
	return next, applied, nil
}

// FindBySubscription returns the user whose current lineage is subscriptionID, or nil.
func (r *SubscriptionRepository) FindBySubscription(ctx context.Context, subscriptionID string) (*domain.UserRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT user_id, doc FROM entitlements WHERE subscription_id = $1 LIMIT 1`, subscriptionID)
	var (
		userID string
		doc    []byte
	)
	if err := row.Scan(&userID, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find subscription %s: %w", subscriptionID, err)
	}
	var rec domain.SubscriptionRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode entitlement: %w", err)
	}
	return &domain.UserRecord{UserID: userID, Record: &rec}, nil
}

// ListStuck returns records in status whose updatedAt is older than before (epoch ms).
func (r *SubscriptionRepository) ListStuck(ctx context.Context, status domain.Status, before int64, limit int) ([]domain.UserRecord, error) {
	query := `
		SELECT user_id, doc FROM entitlements
		WHERE status = $1 AND updated_at < $2 AND subscription_id <> ''
		ORDER BY updated_at ASC LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck entitlements: %w", err)
	}
	defer rows.Close()

	var out []domain.UserRecord
	for rows.Next() {
		var (
			userID string
			doc    []byte
		)
		if err := rows.Scan(&userID, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		var rec domain.SubscriptionRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode entitlement: %w", err)
		}
		out = append(out, domain.UserRecord{UserID: userID, Record: &rec})
	}
	return out, rows.Err()
}

// Subscribe registers callbacks for changes to userID's record. The shared
// LISTEN loop starts on first use. The returned func removes the registration.
func (r *SubscriptionRepository) Subscribe(ctx context.Context, userID string, onChange func(*domain.SubscriptionRecord), onError func(error)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.listening {
		lctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		r.listening = true
		go r.listen(lctx, r.done)
	}

	r.nextID++
	id := r.nextID
	if r.watchers[userID] == nil {
		r.watchers[userID] = make(map[uint64]watcher)
	}
	r.watchers[userID][id] = watcher{onChange: onChange, onError: onError}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers[userID], id)
		if len(r.watchers[userID]) == 0 {
			delete(r.watchers, userID)
		}
	}, nil
}

// Close stops the LISTEN loop.
func (r *SubscriptionRepository) Close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.listening = false
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *SubscriptionRepository) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := listenMinBackoff
	reconnect := false
	for {
		err := r.listenOnce(ctx, reconnect)
		if ctx.Err() != nil {
			return
		}
		r.log.Warn().Err(err).Dur("retry_in", backoff).Msg("entitlement listener disconnected")
		r.fail(err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, listenMaxBackoff)
		reconnect = true
	}
}

func (r *SubscriptionRepository) listenOnce(ctx context.Context, reconnect bool) error {
	pooled, err := r.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Notifications sent while disconnected are lost; replay current state.
	if reconnect {
		for _, userID := range r.watchedUsers() {
			r.dispatch(ctx, userID)
		}
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		r.dispatch(ctx, n.Payload)
	}
}

func (r *SubscriptionRepository) watchedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]string, 0, len(r.watchers))
	for u := range r.watchers {
		users = append(users, u)
	}
	return users
}

func (r *SubscriptionRepository) snapshot(userID string) []watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := make([]watcher, 0, len(r.watchers[userID]))
	for _, w := range r.watchers[userID] {
		ws = append(ws, w)
	}
	return ws
}

func (r *SubscriptionRepository) dispatch(ctx context.Context, userID string) {
	ws := r.snapshot(userID)
	if len(ws) == 0 {
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := r.Get(readCtx, userID)
	for _, w := range ws {
		switch {
		case err != nil:
			if w.onError != nil {
				w.onError(err)
			}
		case rec != nil:
			w.onChange(rec.Clone())
		}
	}
}

func (r *SubscriptionRepository) fail(err error) {
	r.mu.Lock()
	var ws []watcher
	for _, m := range r.watchers {
		for _, w := range m {
			ws = append(ws, w)
		}
	}
	r.mu.Unlock()
	for _, w := range ws {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

func scanDoc(row pgx.Row) (*domain.SubscriptionRecord, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var rec domain.SubscriptionRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("decode entitlement: %w", err)
	}
	return &rec, nil
}
