package repository

import (
	"context"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// postgresTestPool connects to SUBSYNC_TEST_POSTGRES_DSN and applies the
// schema. Tests using it are skipped when the variable is unset.
func postgresTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("SUBSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SUBSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, RunMigrations(ctx, pool))
	return pool
}

// testUsers returns n fresh user IDs whose rows are deleted after the test.
func testUsers(t *testing.T, pool *pgxpool.Pool, n int) []string {
	t.Helper()
	users := make([]string, n)
	for i := range users {
		users[i] = "it-user-" + uuid.NewString()
	}
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `DELETE FROM entitlements WHERE user_id = ANY($1)`, users)
		assert.NoError(t, err)
	})
	return users
}

func newTestSubscriptionRepository(t *testing.T, pool *pgxpool.Pool) *SubscriptionRepository {
	t.Helper()
	repo := NewSubscriptionRepository(pool, zerolog.Nop())
	t.Cleanup(repo.Close)
	return repo
}

func TestSubscriptionRepository_MergeAndGet(t *testing.T) {
	pool := postgresTestPool(t)
	repo := newTestSubscriptionRepository(t, pool)
	ctx := context.Background()
	userID := testUsers(t, pool, 1)[0]
	subID := "sub_" + uuid.NewString()

	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, applied, err := repo.Merge(ctx, userID, domain.Patch{
		SubscriptionID: domain.Ptr(subID),
		Status:         domain.Ptr(domain.StatusActive),
		EventAt:        2000,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusActive, rec.Status)

	// An older event on the same lineage is ignored.
	_, applied, err = repo.Merge(ctx, userID, domain.Patch{Status: domain.Ptr(domain.StatusPastDue), EventAt: 1000})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, subID, got.SubscriptionID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.EqualValues(t, 2000, got.LastEventAt)

	found, err := repo.FindBySubscription(ctx, subID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, userID, found.UserID)
	assert.Equal(t, got, found.Record)

	missing, err := repo.FindBySubscription(ctx, "sub_"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSubscriptionRepository_ConcurrentMergesDoNotLoseUpdates(t *testing.T) {
	pool := postgresTestPool(t)
	repo := newTestSubscriptionRepository(t, pool)
	ctx := context.Background()
	userID := testUsers(t, pool, 1)[0]

	// Each writer touches a different counter, so an unserialised
	// read-modify-write would drop one of them.
	const writers = 20
	var wg sync.WaitGroup
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := domain.Patch{}
			if i%2 == 0 {
				p.FreeWorkoutsUsed = domain.Ptr(i)
			} else {
				p.WorkoutCount = domain.Ptr(i)
			}
			_, _, err := repo.Merge(ctx, userID, p)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, writers, rec.FreeWorkoutsUsed)
	assert.Equal(t, writers-1, rec.WorkoutCount)
}

func TestSubscriptionRepository_SubscribeDeliversCommittedMerges(t *testing.T) {
	pool := postgresTestPool(t)
	repo := newTestSubscriptionRepository(t, pool)
	ctx := context.Background()
	users := testUsers(t, pool, 2)

	changes := make(chan *domain.SubscriptionRecord, 8)
	unsubscribe, err := repo.Subscribe(ctx, users[0], func(rec *domain.SubscriptionRecord) { changes <- rec }, nil)
	require.NoError(t, err)

	// The LISTEN connection comes up asynchronously; merge until it sees one.
	require.Eventually(t, func() bool {
		if _, _, err := repo.Merge(ctx, users[0], domain.Patch{Status: domain.Ptr(domain.StatusActive)}); err != nil {
			return false
		}
		select {
		case rec := <-changes:
			return rec.Status == domain.StatusActive
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	// Another user's change is not delivered.
	_, _, err = repo.Merge(ctx, users[1], domain.Patch{Status: domain.Ptr(domain.StatusActive)})
	require.NoError(t, err)
	_, _, err = repo.Merge(ctx, users[0], domain.Patch{CancelAtPeriodEnd: domain.Ptr(true)})
	require.NoError(t, err)
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case rec := <-changes:
			seen = rec.CancelAtPeriodEnd
		case <-deadline:
			t.Fatal("no notification for the watched user")
		}
	}

	unsubscribe()
	_, _, err = repo.Merge(ctx, users[0], domain.Patch{CancelAtPeriodEnd: domain.Ptr(false)})
	require.NoError(t, err)
	select {
	case rec := <-changes:
		t.Fatalf("notification after unsubscribe: %+v", rec)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSubscriptionRepository_ReconnectReplaysWatchedUsers(t *testing.T) {
	pool := postgresTestPool(t)
	repo := newTestSubscriptionRepository(t, pool)
	ctx := context.Background()
	userID := testUsers(t, pool, 1)[0]

	var (
		mu     sync.Mutex
		errs   int
		latest *domain.SubscriptionRecord
	)
	_, err := repo.Subscribe(ctx, userID,
		func(rec *domain.SubscriptionRecord) {
			mu.Lock()
			defer mu.Unlock()
			latest = rec
		},
		func(error) {
			mu.Lock()
			defer mu.Unlock()
			errs++
		},
	)
	require.NoError(t, err)
	status := func() domain.Status {
		mu.Lock()
		defer mu.Unlock()
		if latest == nil {
			return ""
		}
		return latest.Status
	}

	require.Eventually(t, func() bool {
		if _, _, err := repo.Merge(ctx, userID, domain.Patch{Status: domain.Ptr(domain.StatusActive)}); err != nil {
			return false
		}
		return status() == domain.StatusActive
	}, 10*time.Second, 200*time.Millisecond)

	// Drop the listener's backend, then change the row without a NOTIFY while
	// the listener is down. Only the reconnect replay can deliver it.
	_, err = pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = current_database() AND pid <> pg_backend_pid()
		  AND query = 'LISTEN `+notifyChannel+`'
	`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		UPDATE entitlements
		SET status = 'past_due', doc = jsonb_set(doc, '{status}', '"past_due"')
		WHERE user_id = $1
	`, userID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs > 0
	}, 10*time.Second, 20*time.Millisecond, "watchers hear about the lost connection")
	assert.Eventually(t, func() bool { return status() == domain.StatusPastDue }, 10*time.Second, 50*time.Millisecond)
}

func TestSubscriptionRepository_ListStuck(t *testing.T) {
	pool := postgresTestPool(t)
	repo := newTestSubscriptionRepository(t, pool)
	ctx := context.Background()
	users := testUsers(t, pool, 4)

	merge := func(userID string, p domain.Patch) {
		_, _, err := repo.Merge(ctx, userID, p)
		require.NoError(t, err)
	}
	merge(users[0], domain.Patch{SubscriptionID: domain.Ptr("sub_" + uuid.NewString()), Status: domain.Ptr(domain.StatusIncomplete)})
	merge(users[1], domain.Patch{SubscriptionID: domain.Ptr("sub_" + uuid.NewString()), Status: domain.Ptr(domain.StatusIncomplete)})
	merge(users[2], domain.Patch{SubscriptionID: domain.Ptr("sub_" + uuid.NewString()), Status: domain.Ptr(domain.StatusActive)})
	// No subscription yet: nothing to recover from the provider.
	merge(users[3], domain.Patch{FreeWorkoutsUsed: domain.Ptr(1)})

	// Age the second record past the threshold.
	old := time.Now().Add(-time.Hour).UnixMilli()
	_, err := pool.Exec(ctx, `UPDATE entitlements SET updated_at = $2 WHERE user_id = $1`, users[1], old)
	require.NoError(t, err)

	threshold := time.Now().Add(-time.Minute).UnixMilli()
	stuck, err := repo.ListStuck(ctx, domain.StatusIncomplete, threshold, 1000)
	require.NoError(t, err)
	var ours []string
	for _, r := range stuck {
		if slices.Contains(users, r.UserID) {
			ours = append(ours, r.UserID)
		}
	}
	assert.Equal(t, []string{users[1]}, ours)

	all, err := repo.ListStuck(ctx, domain.StatusIncomplete, time.Now().Add(time.Minute).UnixMilli(), 1000)
	require.NoError(t, err)
	ours = ours[:0]
	for _, r := range all {
		if slices.Contains(users, r.UserID) {
			ours = append(ours, r.UserID)
		}
	}
	assert.Equal(t, []string{users[1], users[0]}, ours, "oldest first")
}

func TestDeliveryRepository_RecordKeepsFirstReceiptAndCountsAttempts(t *testing.T) {
	pool := postgresTestPool(t)
	repo := NewDeliveryRepository(pool)
	ctx := context.Background()
	eventID := "evt_" + uuid.NewString()
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `DELETE FROM webhook_deliveries WHERE event_id = $1`, eventID)
		assert.NoError(t, err)
	})

	created := time.Now().UTC().Truncate(time.Millisecond)
	first := created.Add(2 * time.Second)
	require.NoError(t, repo.Record(ctx, domain.Delivery{
		EventID: eventID, EventType: "customer.subscription.updated",
		Created: created, ReceivedAt: first, Error: "canonical write failed",
	}))
	require.NoError(t, repo.Record(ctx, domain.Delivery{
		EventID: eventID, EventType: "customer.subscription.updated",
		Created: created, ReceivedAt: first.Add(time.Minute),
	}))

	got, err := repo.Since(ctx, created.Add(-time.Second))
	require.NoError(t, err)
	idx := slices.IndexFunc(got, func(d domain.Delivery) bool { return d.EventID == eventID })
	require.GreaterOrEqual(t, idx, 0)
	d := got[idx]
	assert.Equal(t, 2, d.Attempts)
	assert.Empty(t, d.Error, "the latest outcome wins")
	assert.True(t, first.Equal(d.ReceivedAt), "the first receipt time is kept")

	later, err := repo.Since(ctx, created.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, slices.ContainsFunc(later, func(d domain.Delivery) bool { return d.EventID == eventID }))
}

func TestCustomerRepository_LinkAndLookup(t *testing.T) {
	pool := postgresTestPool(t)
	repo := NewCustomerRepository(pool)
	ctx := context.Background()
	customerID := "cus_" + uuid.NewString()
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `DELETE FROM billing_customers WHERE customer_id = $1`, customerID)
		assert.NoError(t, err)
	})

	userID, err := repo.LookupUser(ctx, customerID)
	require.NoError(t, err)
	assert.Empty(t, userID)

	require.NoError(t, repo.Link(ctx, customerID, "u1"))
	require.NoError(t, repo.Link(ctx, customerID, "u1"))
	userID, err = repo.LookupUser(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	require.NoError(t, repo.Link(ctx, customerID, "u2"))
	userID, err = repo.LookupUser(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "u2", userID)
}

func TestCacheRepository_SetGetAndHealth(t *testing.T) {
	pool := postgresTestPool(t)
	repo := NewCacheRepository(pool)
	ctx := context.Background()
	key := "it-" + uuid.NewString()
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), `DELETE FROM system_cache WHERE key = ANY($1)`, []string{key, HealthStatusKey})
		assert.NoError(t, err)
	})

	var v map[string]int
	found, _, err := repo.Get(ctx, key, &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Set(ctx, key, map[string]int{"n": 1}))
	require.NoError(t, repo.Set(ctx, key, map[string]int{"n": 2}))
	found, updatedAt, err := repo.Get(ctx, key, &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]int{"n": 2}, v)
	assert.WithinDuration(t, time.Now(), updatedAt, time.Minute)

	checked := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.SaveHealth(ctx, domain.HealthStatus{
		FailedEventCount:  4,
		RecommendedAction: domain.ActionFallback,
		FallbackMode:      true,
		LastChecked:       checked,
	}))
	hs, err := repo.LoadHealth(ctx)
	require.NoError(t, err)
	require.NotNil(t, hs)
	assert.Equal(t, 4, hs.FailedEventCount)
	assert.True(t, hs.FallbackMode)
	assert.Equal(t, domain.ActionFallback, hs.RecommendedAction)
	assert.True(t, checked.Equal(hs.LastChecked))
}
