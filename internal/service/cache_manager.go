package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitplan/subsync/internal/broadcast"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const watchSweepInterval = time.Minute

// CacheConfig tunes the read path. Users with no listeners and no reads for
// WatchIdle lose their push subscription and cache state.
type CacheConfig struct {
	CacheTimeout         time.Duration
	LocalFallbackMaxAge  time.Duration
	WatchIdle            time.Duration
	ReadTimeout          time.Duration
	ProviderQueryTimeout time.Duration
	FreeWorkoutLimit     int
}

// Listener observes a user's record. rec is nil when the record is unknown.
type Listener func(userID string, rec *domain.SubscriptionRecord, source domain.Source)

type listenerReg struct {
	userID string
	fn     Listener
}

type resolved struct {
	rec    *domain.SubscriptionRecord
	source domain.Source
}

// CacheManager serves entitlement reads through the fallback chain:
// cache entry, last pushed value, canonical read, local fallback copy, default.
// It never returns an error.
type CacheManager struct {
	store    CanonicalStore
	fallback FallbackStore
	gateway  payment.Gateway
	bus      broadcast.Bus
	metrics  *Metrics
	cfg      CacheConfig
	log      zerolog.Logger
	origin   string
	now      func() time.Time

	group        singleflight.Group
	fallbackMode atomic.Bool

	mu        sync.RWMutex
	entries   map[string]*domain.CacheEntry
	pushed    map[string]*domain.SubscriptionRecord
	watches   map[string]func()
	lastUsed  map[string]time.Time
	lastSweep time.Time
	listeners map[string]listenerReg
	stopped   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCacheManager wires the read path. fallback, gateway and bus may be nil.
func NewCacheManager(store CanonicalStore, fallback FallbackStore, gateway payment.Gateway, bus broadcast.Bus, metrics *Metrics, cfg CacheConfig, log zerolog.Logger) *CacheManager {
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 5 * time.Minute
	}
	if cfg.LocalFallbackMaxAge <= 0 {
		cfg.LocalFallbackMaxAge = 24 * time.Hour
	}
	if cfg.WatchIdle <= 0 {
		cfg.WatchIdle = 30 * time.Minute
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ProviderQueryTimeout <= 0 {
		cfg.ProviderQueryTimeout = 10 * time.Second
	}
	return &CacheManager{
		store:     store,
		fallback:  fallback,
		gateway:   gateway,
		bus:       bus,
		metrics:   metrics,
		cfg:       cfg,
		log:       log.With().Str("component", "cache_manager").Logger(),
		origin:    uuid.NewString(),
		now:       time.Now,
		entries:   make(map[string]*domain.CacheEntry),
		pushed:    make(map[string]*domain.SubscriptionRecord),
		watches:   make(map[string]func()),
		lastUsed:  make(map[string]time.Time),
		listeners: make(map[string]listenerReg),
	}
}

// Origin identifies this instance on the broadcast bus.
func (c *CacheManager) Origin() string { return c.origin }

// Start begins consuming broadcasts from other instances.
func (c *CacheManager) Start(ctx context.Context) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.bus.Subscribe(ctx, c.onBroadcast); err != nil {
				c.log.Warn().Err(err).Msg("broadcast subscription failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// Stop tears down every push subscription and the broadcast consumer.
func (c *CacheManager) Stop() {
	c.mu.Lock()
	c.stopped = true
	watches := c.watches
	c.watches = make(map[string]func())
	c.mu.Unlock()

	for _, unsubscribe := range watches {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// SetFallbackMode toggles provider verification of transitional records.
func (c *CacheManager) SetFallbackMode(on bool) {
	if c.fallbackMode.Swap(on) != on {
		c.log.Info().Bool("fallback_mode", on).Msg("fallback mode changed")
	}
}

// FallbackMode reports whether fallback mode is enabled.
func (c *CacheManager) FallbackMode() bool { return c.fallbackMode.Load() }

// GetSubscription returns the user's record and the tier that produced it.
// The returned record is a copy.
func (c *CacheManager) GetSubscription(ctx context.Context, userID string, forceRefresh bool) (*domain.SubscriptionRecord, domain.Source) {
	c.watch(ctx, userID)

	if !forceRefresh {
		c.mu.RLock()
		entry := c.entries[userID]
		pushed := c.pushed[userID]
		c.mu.RUnlock()

		if entry.Valid(c.now(), c.cfg.CacheTimeout) {
			return entry.Data.Clone(), entry.Source
		}
		if pushed != nil {
			return pushed.Clone(), domain.SourceCanonical
		}
	}

	v, _, _ := c.group.Do(userID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReadTimeout)
		defer cancel()
		return c.resolve(rctx, userID), nil
	})
	res := v.(resolved)
	return res.rec.Clone(), res.source
}

// RefreshSubscription forces resolution and notifies listeners with the result.
// Only records read from the store or the provider are shared with other
// instances; a local fallback copy or the default says nothing about the
// user's actual state.
func (c *CacheManager) RefreshSubscription(ctx context.Context, userID string) (*domain.SubscriptionRecord, domain.Source) {
	rec, source := c.GetSubscription(ctx, userID, true)
	c.notify(userID, rec, source)
	if authoritative(source) {
		c.publish(ctx, broadcast.SubscriptionUpdated(c.origin, userID, rec, source))
	}
	return rec, source
}

// Invalidate marks the user's cache entry stale and tells other instances to do the same.
func (c *CacheManager) Invalidate(ctx context.Context, userID string) {
	c.invalidate(userID)
	c.publish(ctx, broadcast.CacheInvalidate(c.origin, userID))
}

// AddListener registers fn for userID's changes and returns its handle.
func (c *CacheManager) AddListener(ctx context.Context, userID string, fn Listener) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.listeners[id] = listenerReg{userID: userID, fn: fn}
	c.mu.Unlock()
	c.watch(ctx, userID)
	return id
}

// RemoveListener unregisters a listener. Unknown handles are ignored. When it
// was the user's last listener and the user has not been read within
// WatchIdle, the push subscription is released right away.
func (c *CacheManager) RemoveListener(id string) {
	c.mu.Lock()
	reg, ok := c.listeners[id]
	delete(c.listeners, id)
	var release func()
	if ok && c.idleLocked(reg.userID, c.now(), c.listenedLocked()) {
		release = c.forgetLocked(reg.userID)
	}
	c.mu.Unlock()
	if release != nil {
		release()
	}
}

func (c *CacheManager) resolve(ctx context.Context, userID string) resolved {
	rec, err := c.store.Get(ctx, userID)
	if err == nil {
		if rec == nil {
			return c.settle(userID, resolved{rec: c.defaultRecord(), source: domain.SourceDefault}, true)
		}
		if c.fallbackMode.Load() && rec.Status.Transitional() && rec.SubscriptionID != "" {
			if verified := c.verify(ctx, rec); verified != nil {
				return c.settle(userID, resolved{rec: verified, source: domain.SourceBillingProvider}, true)
			}
		}
		c.saveFallback(ctx, userID, rec)
		return c.settle(userID, resolved{rec: rec, source: domain.SourceCanonical}, true)
	}
	c.log.Warn().Err(err).Str("user_id", userID).Msg("canonical read failed")

	if c.fallback != nil {
		local, savedAt, ferr := c.fallback.Load(ctx, userID)
		switch {
		case ferr != nil:
			c.log.Warn().Err(ferr).Str("user_id", userID).Msg("local fallback read failed")
		case local != nil && c.now().Sub(savedAt) < c.cfg.LocalFallbackMaxAge:
			return c.settle(userID, resolved{rec: local, source: domain.SourceLocalFallback}, true)
		case local != nil:
			c.log.Debug().Str("user_id", userID).Time("saved_at", savedAt).Msg("local fallback copy too old")
		}
	}

	// Not cached, so the next read retries the canonical store.
	return c.settle(userID, resolved{rec: c.defaultRecord(), source: domain.SourceDefault}, false)
}

// settle caches r unless a newer authoritative record is already held, in
// which case that record is returned instead.
func (c *CacheManager) settle(userID string, r resolved, cache bool) resolved {
	c.metrics.observeResolution(r.source)
	if !cache {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.entries[userID]; !c.supersedesLocked(cur, r.rec, r.source) {
		return resolved{rec: cur.Data, source: cur.Source}
	}
	c.entries[userID] = &domain.CacheEntry{Data: r.rec, Timestamp: c.now(), Source: r.source}
	return r
}

// supersedesLocked reports whether rec from source may replace cur. Records
// from the store or the provider are ordered by UpdatedAt; an older one never
// replaces a newer one still inside the cache timeout. A local fallback copy
// or the default only fills an empty, stale or equally weak entry.
func (c *CacheManager) supersedesLocked(cur *domain.CacheEntry, rec *domain.SubscriptionRecord, source domain.Source) bool {
	if cur == nil || cur.Data == nil || !authoritative(cur.Source) {
		return true
	}
	if !cur.Valid(c.now(), c.cfg.CacheTimeout) {
		return true
	}
	if !authoritative(source) {
		return false
	}
	return rec.UpdatedAt >= cur.Data.UpdatedAt
}

func authoritative(source domain.Source) bool {
	return source == domain.SourceCanonical || source == domain.SourceBillingProvider
}

// verify overlays the provider's view on a transitional record. The result is
// served but not persisted.
func (c *CacheManager) verify(ctx context.Context, rec *domain.SubscriptionRecord) *domain.SubscriptionRecord {
	if c.gateway == nil {
		return nil
	}
	qctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderQueryTimeout)
	defer cancel()
	sub, err := c.gateway.GetSubscription(qctx, rec.SubscriptionID)
	if err != nil {
		c.log.Warn().Err(err).Str("subscription_id", rec.SubscriptionID).Msg("provider verification failed")
		return nil
	}
	now := c.now()
	view, _ := domain.ApplyPatch(rec, sub.Patch(now), domain.Millis(now))
	// The view is not a write, so it keeps the stored record's position.
	view.UpdatedAt = rec.UpdatedAt
	return view
}

func (c *CacheManager) defaultRecord() *domain.SubscriptionRecord {
	return domain.DefaultRecord(c.cfg.FreeWorkoutLimit, domain.Millis(c.now()))
}

func (c *CacheManager) saveFallback(ctx context.Context, userID string, rec *domain.SubscriptionRecord) {
	if c.fallback == nil || rec == nil {
		return
	}
	if err := c.fallback.Save(ctx, userID, rec); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("failed to save local fallback copy")
	}
}

// watch opens the user's push subscription once and marks the user as used.
// It also releases idle users, at most once per watchSweepInterval.
func (c *CacheManager) watch(ctx context.Context, userID string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.lastUsed[userID] = now
	var released []func()
	if now.Sub(c.lastSweep) >= watchSweepInterval {
		released = c.sweepLocked(now)
		c.lastSweep = now
	}
	_, watched := c.watches[userID]
	if !watched {
		c.watches[userID] = nil
	}
	c.mu.Unlock()

	for _, release := range released {
		release()
	}
	if watched {
		return
	}

	unsubscribe, err := c.store.Subscribe(ctx, userID,
		func(rec *domain.SubscriptionRecord) { c.onPush(userID, rec) },
		func(err error) { c.onPushError(userID, err) },
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("push subscription failed")
		delete(c.watches, userID)
		return
	}
	if c.stopped {
		unsubscribe()
		return
	}
	c.watches[userID] = unsubscribe
}

// sweepLocked forgets every idle user and returns their unsubscribe funcs.
func (c *CacheManager) sweepLocked(now time.Time) []func() {
	listened := c.listenedLocked()
	var released []func()
	for userID := range c.lastUsed {
		if c.idleLocked(userID, now, listened) {
			if release := c.forgetLocked(userID); release != nil {
				released = append(released, release)
			}
		}
	}
	return released
}

func (c *CacheManager) listenedLocked() map[string]bool {
	listened := make(map[string]bool, len(c.listeners))
	for _, l := range c.listeners {
		listened[l.userID] = true
	}
	return listened
}

// idleLocked is false while a subscribe call for the user is in flight.
func (c *CacheManager) idleLocked(userID string, now time.Time, listened map[string]bool) bool {
	if listened[userID] {
		return false
	}
	if unsubscribe, ok := c.watches[userID]; ok && unsubscribe == nil {
		return false
	}
	return now.Sub(c.lastUsed[userID]) >= c.cfg.WatchIdle
}

func (c *CacheManager) forgetLocked(userID string) func() {
	release := c.watches[userID]
	delete(c.watches, userID)
	delete(c.entries, userID)
	delete(c.pushed, userID)
	delete(c.lastUsed, userID)
	return release
}

func (c *CacheManager) onPush(userID string, rec *domain.SubscriptionRecord) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	if _, ok := c.watches[userID]; !ok {
		c.mu.Unlock()
		return
	}
	if p := c.pushed[userID]; p != nil && rec.UpdatedAt < p.UpdatedAt {
		c.mu.Unlock()
		c.log.Debug().Str("user_id", userID).Int64("updated_at", rec.UpdatedAt).Msg("dropping out-of-order push")
		return
	}
	if !c.supersedesLocked(c.entries[userID], rec, domain.SourceCanonical) {
		c.mu.Unlock()
		c.log.Debug().Str("user_id", userID).Int64("updated_at", rec.UpdatedAt).Msg("dropping push older than cache entry")
		return
	}
	c.entries[userID] = &domain.CacheEntry{Data: rec, Timestamp: c.now(), Source: domain.SourceCanonical}
	c.pushed[userID] = rec
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReadTimeout)
	defer cancel()
	c.saveFallback(ctx, userID, rec)
	c.notify(userID, rec.Clone(), domain.SourceCanonical)
	c.publish(ctx, broadcast.SubscriptionUpdated(c.origin, userID, rec, domain.SourceCanonical))
}

// onPushError keeps the last cache entry; the pushed value is dropped because
// the stream behind it can no longer be trusted to be current.
func (c *CacheManager) onPushError(userID string, err error) {
	c.log.Warn().Err(err).Str("user_id", userID).Msg("push subscription error, serving last cache entry")
	c.mu.Lock()
	delete(c.pushed, userID)
	c.mu.Unlock()
}

func (c *CacheManager) onBroadcast(m broadcast.Message) {
	if m.Origin == c.origin {
		return
	}
	switch m.Kind {
	case broadcast.KindSubscriptionUpdated:
		src := m.Source
		if src == "" {
			src = domain.SourceCanonical
		}
		if m.Record == nil || !authoritative(src) {
			c.log.Debug().Str("user_id", m.UserID).Str("source", string(src)).Msg("ignoring non-authoritative broadcast")
			return
		}
		c.mu.Lock()
		_, local := c.watches[m.UserID]
		apply := local && c.supersedesLocked(c.entries[m.UserID], m.Record, src)
		if apply {
			c.entries[m.UserID] = &domain.CacheEntry{Data: m.Record, Timestamp: c.now(), Source: src}
		}
		c.mu.Unlock()
		if apply {
			c.notify(m.UserID, m.Record.Clone(), src)
		}
	case broadcast.KindCacheInvalidate:
		c.invalidate(m.UserID)
	case broadcast.KindHealthChanged:
		c.SetFallbackMode(m.Health.FallbackMode)
	}
}

func (c *CacheManager) invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		stale := *e
		stale.Timestamp = time.Time{}
		c.entries[userID] = &stale
	}
	delete(c.pushed, userID)
}

// notify calls listeners synchronously, outside the lock.
func (c *CacheManager) notify(userID string, rec *domain.SubscriptionRecord, source domain.Source) {
	c.mu.RLock()
	var fns []Listener
	for _, l := range c.listeners {
		if l.userID == userID {
			fns = append(fns, l.fn)
		}
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(userID, rec.Clone(), source)
	}
}

func (c *CacheManager) publish(ctx context.Context, m broadcast.Message) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, m); err != nil {
		c.log.Warn().Err(err).Str("kind", string(m.Kind)).Msg("broadcast publish failed")
	}
}
