package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RecoveryConfig bounds provider retries. A subscription found to already
// match the provider is not queried again by FixSubscription for RecheckAfter,
// unless its record has been written since. OperationTimeout bounds one whole
// recovery, independent of the callers waiting on it.
type RecoveryConfig struct {
	MaxAttempts          int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	JitterFraction       float64
	ProviderQueryTimeout time.Duration
	RecheckAfter         time.Duration
	OperationTimeout     time.Duration
}

// Refresher re-resolves a user's record and notifies its listeners.
type Refresher interface {
	RefreshSubscription(ctx context.Context, userID string) (*domain.SubscriptionRecord, domain.Source)
}

type recoveryOutcome struct {
	ok     bool
	status domain.Status
}

type verifiedMatch struct {
	at        time.Time
	updatedAt int64
	status    domain.Status
}

// RecoveryManager repairs a record from the provider's authoritative object.
// At most one recovery runs per subscription ID; concurrent callers share its result.
type RecoveryManager struct {
	gateway  payment.Gateway
	store    CanonicalStore
	writer   *CanonicalWriter
	resolver *UserResolver
	cache    Refresher
	metrics  *Metrics
	cfg      RecoveryConfig
	log      zerolog.Logger

	group singleflight.Group
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	verified map[string]verifiedMatch
}

func NewRecoveryManager(gateway payment.Gateway, store CanonicalStore, writer *CanonicalWriter, resolver *UserResolver, cache Refresher, metrics *Metrics, cfg RecoveryConfig, log zerolog.Logger) *RecoveryManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ProviderQueryTimeout <= 0 {
		cfg.ProviderQueryTimeout = 10 * time.Second
	}
	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = 10 * time.Minute
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = time.Duration(cfg.MaxAttempts)*(cfg.ProviderQueryTimeout+cfg.MaxBackoff) + 10*time.Second
	}
	return &RecoveryManager{
		gateway:  gateway,
		store:    store,
		writer:   writer,
		resolver: resolver,
		cache:    cache,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With().Str("component", "recovery").Logger(),
		sleep:    sleepCtx,
		now:      time.Now,
		verified: make(map[string]verifiedMatch),
	}
}

// ForceActivateSubscription reconciles the record with the provider and
// reports whether the subscription now grants the paid feature.
func (r *RecoveryManager) ForceActivateSubscription(ctx context.Context, subscriptionID string) bool {
	out := r.run(ctx, "force_activate", subscriptionID)
	return out.ok && out.status.Entitling()
}

// FixSubscription reconciles the record with the provider and reports
// whether canonical state now matches it.
func (r *RecoveryManager) FixSubscription(ctx context.Context, subscriptionID string) bool {
	if subscriptionID != "" && r.recentlyVerified(ctx, subscriptionID) {
		r.log.Debug().Str("subscription_id", subscriptionID).Msg("recently verified against provider, skipping")
		r.metrics.observeRecovery("fix", "skipped_recent")
		return true
	}
	return r.run(ctx, "fix", subscriptionID).ok
}

// run executes at most one recovery per subscription. The shared work is
// detached from the first caller's context; each caller stops waiting when its
// own context is done.
func (r *RecoveryManager) run(ctx context.Context, op, subscriptionID string) recoveryOutcome {
	if subscriptionID == "" {
		return recoveryOutcome{}
	}
	ch := r.group.DoChan(subscriptionID, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.OperationTimeout)
		defer cancel()
		return r.recover(wctx, op, subscriptionID), nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.log.Debug().Str("subscription_id", subscriptionID).Str("operation", op).Msg("joined in-flight recovery")
		}
		return res.Val.(recoveryOutcome)
	case <-ctx.Done():
		r.log.Warn().Err(ctx.Err()).Str("subscription_id", subscriptionID).Str("operation", op).Msg("stopped waiting for recovery")
		return recoveryOutcome{}
	}
}

// recentlyVerified reports whether subscriptionID matched the provider within
// RecheckAfter and its canonical record is unchanged since.
func (r *RecoveryManager) recentlyVerified(ctx context.Context, subscriptionID string) bool {
	now := r.now()
	r.mu.Lock()
	m, ok := r.verified[subscriptionID]
	if ok && now.Sub(m.at) >= r.cfg.RecheckAfter {
		delete(r.verified, subscriptionID)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	found, err := r.store.FindBySubscription(ctx, subscriptionID)
	if err != nil || found == nil || found.Record == nil {
		return false
	}
	return found.Record.UpdatedAt == m.updatedAt && found.Record.Status == m.status
}

func (r *RecoveryManager) rememberMatch(subscriptionID string, rec *domain.SubscriptionRecord) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.verified {
		if now.Sub(m.at) >= r.cfg.RecheckAfter {
			delete(r.verified, id)
		}
	}
	r.verified[subscriptionID] = verifiedMatch{at: now, updatedAt: rec.UpdatedAt, status: rec.Status}
}

func (r *RecoveryManager) forgetMatch(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.verified, subscriptionID)
}

func (r *RecoveryManager) recover(ctx context.Context, op, subscriptionID string) recoveryOutcome {
	log := r.log.With().Str("subscription_id", subscriptionID).Str("operation", op).Logger()

	sub, err := r.fetch(ctx, subscriptionID)
	if err != nil {
		log.Error().Err(err).Msg("recovery failed: provider query")
		r.metrics.observeRecovery(op, outcomeLabel(err))
		return recoveryOutcome{}
	}

	userID, current, err := r.owner(ctx, sub)
	if err != nil {
		log.Error().Err(err).Msg("recovery failed: owner lookup")
		r.metrics.observeRecovery(op, "unresolved")
		return recoveryOutcome{}
	}

	if differs(current, sub) {
		r.forgetMatch(subscriptionID)
		patch := sub.Patch(r.now())
		patch.FallbackMode = domain.Ptr(true)
		if _, _, err := r.writer.Apply(ctx, userID, patch, "recovery:"+op); err != nil {
			log.Error().Err(err).Msg("recovery failed: canonical write")
			r.metrics.observeRecovery(op, "write_error")
			return recoveryOutcome{}
		}
		log.Info().Str("user_id", userID).Str("status", string(sub.Status)).Msg("canonical record repaired from provider")
		r.metrics.observeRecovery(op, "repaired")
	} else {
		log.Info().Str("user_id", userID).Msg("canonical record already matches provider")
		r.metrics.observeRecovery(op, "unchanged")
		r.rememberMatch(subscriptionID, current)
	}

	if r.cache != nil {
		r.cache.RefreshSubscription(ctx, userID)
	}
	return recoveryOutcome{ok: true, status: sub.Status}
}

// fetch queries the provider, retrying transient failures with exponential backoff.
func (r *RecoveryManager) fetch(ctx context.Context, subscriptionID string) (*payment.Subscription, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderQueryTimeout)
		sub, err := r.gateway.GetSubscription(qctx, subscriptionID)
		cancel()
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if payment.IsPermanent(err) {
			return nil, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		wait := r.backoff(attempt)
		r.log.Warn().Err(err).
			Str("subscription_id", subscriptionID).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("provider query failed, retrying")
		if err := r.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("recovery cancelled: %w", err)
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", r.cfg.MaxAttempts, lastErr)
}

func (r *RecoveryManager) backoff(attempt int) time.Duration {
	base := float64(r.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if r.cfg.JitterFraction > 0 {
		base += base * r.cfg.JitterFraction * (rand.Float64()*2 - 1)
	}
	d := time.Duration(base)
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}

// owner finds the user for sub: the record currently on that lineage, then the resolver.
func (r *RecoveryManager) owner(ctx context.Context, sub *payment.Subscription) (string, *domain.SubscriptionRecord, error) {
	found, err := r.store.FindBySubscription(ctx, sub.ID)
	if err != nil {
		return "", nil, err
	}
	if found != nil {
		return found.UserID, found.Record, nil
	}

	res, err := r.resolver.Resolve(ctx, sub.UserID(), sub.CustomerID)
	if err != nil {
		return "", nil, err
	}
	if res.Source == Unresolved {
		return "", nil, domain.ErrUnresolvedUser
	}
	current, err := r.store.Get(ctx, res.UserID)
	if err != nil {
		return "", nil, err
	}
	return res.UserID, current, nil
}

// differs reports whether the provider object disagrees with canonical state
// on any field a webhook would have written.
func differs(rec *domain.SubscriptionRecord, sub *payment.Subscription) bool {
	if rec == nil {
		return true
	}
	if rec.SubscriptionID != sub.ID || rec.Status != sub.Status || rec.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		return true
	}
	if sub.PriceID != "" && rec.PriceID != sub.PriceID {
		return true
	}
	if !sub.CurrentPeriodEnd.IsZero() && rec.CurrentPeriodEnd != domain.Millis(sub.CurrentPeriodEnd) {
		return true
	}
	return false
}

func outcomeLabel(err error) string {
	if payment.IsPermanent(err) {
		return "permanent_error"
	}
	return "transient_error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
