package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fitplan/subsync/internal/broadcast"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/pkg/payment"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HealthConfig tunes the webhook health check.
type HealthConfig struct {
	Interval               time.Duration
	Lookback               time.Duration
	WebhookDeliveryTimeout time.Duration
	MaxFailedEvents        int
	StuckThreshold         time.Duration
	StuckScanLimit         int
}

// StuckFixer repairs one subscription.
type StuckFixer interface {
	FixSubscription(ctx context.Context, subscriptionID string) bool
}

// FallbackSwitch is the read path's fallback mode toggle.
type FallbackSwitch interface {
	SetFallbackMode(on bool)
}

// HealthMonitor samples webhook delivery outcomes, classifies health and
// escalates to fallback mode and stuck-subscription recovery.
type HealthMonitor struct {
	gateway payment.Gateway
	ledger  DeliveryLedger
	store   CanonicalStore
	status  StatusStore
	cache   FallbackSwitch
	fixer   StuckFixer
	bus     broadcast.Bus
	metrics *Metrics
	cfg     HealthConfig
	log     zerolog.Logger
	origin  string
	now     func() time.Time

	mu       sync.Mutex
	last     *domain.HealthStatus
	fallback bool
	pending  map[string]struct{}

	cancel context.CancelFunc
	loop   sync.WaitGroup
	fixes  sync.WaitGroup
}

// NewHealthMonitor wires the monitor. ledger, bus and status may be nil.
func NewHealthMonitor(gateway payment.Gateway, ledger DeliveryLedger, store CanonicalStore, status StatusStore, cache FallbackSwitch, fixer StuckFixer, bus broadcast.Bus, metrics *Metrics, origin string, cfg HealthConfig, log zerolog.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.WebhookDeliveryTimeout <= 0 {
		cfg.WebhookDeliveryTimeout = 30 * time.Second
	}
	if cfg.MaxFailedEvents <= 0 {
		cfg.MaxFailedEvents = 3
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 2 * time.Minute
	}
	if cfg.StuckScanLimit <= 0 {
		cfg.StuckScanLimit = 100
	}
	return &HealthMonitor{
		gateway: gateway,
		ledger:  ledger,
		store:   store,
		status:  status,
		cache:   cache,
		fixer:   fixer,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		log:     log.With().Str("component", "health_monitor").Logger(),
		origin:  origin,
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
}

// Start runs a check immediately and then on every interval until Stop.
func (m *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.loop.Add(1)
	go func() {
		defer m.loop.Done()
		m.PerformHealthCheck(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PerformHealthCheck(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for triggered recoveries to finish.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.loop.Wait()
	m.fixes.Wait()
}

// LastStatus returns the most recent check, from memory or the status store.
func (m *HealthMonitor) LastStatus(ctx context.Context) (*domain.HealthStatus, error) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last != nil {
		cp := *last
		return &cp, nil
	}
	if m.status == nil {
		return nil, nil
	}
	return m.status.LoadHealth(ctx)
}

// PerformHealthCheck samples the lookback window and acts on the result.
func (m *HealthMonitor) PerformHealthCheck(ctx context.Context) domain.HealthStatus {
	now := m.now()
	since := now.Add(-m.cfg.Lookback)

	var (
		events     []domain.WebhookEvent
		deliveries []domain.Delivery
		stuck      []domain.UserRecord
		listErr    error
	)
	var g errgroup.Group
	g.Go(func() error {
		events, listErr = m.gateway.ListRecentWebhookEvents(ctx, m.cfg.Lookback)
		return nil
	})
	if m.ledger != nil {
		g.Go(func() error {
			var err error
			if deliveries, err = m.ledger.Since(ctx, since); err != nil {
				m.log.Warn().Err(err).Msg("delivery ledger unavailable, classifying from provider only")
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		before := domain.Millis(now.Add(-m.cfg.StuckThreshold))
		if stuck, err = m.store.ListStuck(ctx, domain.StatusIncomplete, before, m.cfg.StuckScanLimit); err != nil {
			m.log.Warn().Err(err).Msg("stuck subscription scan failed")
		}
		return nil
	})
	_ = g.Wait()

	var status domain.HealthStatus
	if listErr != nil {
		m.log.Error().Err(listErr).Msg("could not list webhook events")
		status = domain.HealthStatus{RecommendedAction: domain.ActionMonitor}
	} else {
		status = m.classify(now, correlate(events, deliveries))
	}
	status.LastChecked = now

	if status.RecommendedAction.Severity() >= domain.ActionFallback.Severity() {
		if status.RecommendedAction == domain.ActionManualIntervention {
			m.log.Error().
				Int("failed_events", status.FailedEventCount).
				Int("successful_events", status.SuccessfulEventCount).
				Msg("webhook delivery failing, manual intervention required")
		}
		m.setFallback(true)
		m.triggerRecovery(ctx, stuck)
	} else if status.RecommendedAction == domain.ActionNone {
		m.setFallback(false)
	}
	status.FallbackMode = m.fallbackEnabled()

	m.persist(ctx, status)
	return status
}

// correlate joins provider samples with the ledger: a ledger row proves
// receipt, gives the delivery time and carries any processing error.
func correlate(events []domain.WebhookEvent, deliveries []domain.Delivery) []domain.WebhookEvent {
	byID := make(map[string]domain.Delivery, len(deliveries))
	for _, d := range deliveries {
		byID[d.EventID] = d
	}
	out := make([]domain.WebhookEvent, len(events))
	for i, e := range events {
		if d, ok := byID[e.ID]; ok {
			e.Delivered = true
			lag := max(d.ReceivedAt.Sub(e.Created), 0)
			e.DeliveryTime = &lag
			if d.Error != "" {
				e.Error = d.Error
			}
		}
		out[i] = e
	}
	return out
}

func (m *HealthMonitor) classify(now time.Time, events []domain.WebhookEvent) domain.HealthStatus {
	var (
		s          domain.HealthStatus
		totalDelay time.Duration
		timed      int
	)
	for _, e := range events {
		switch {
		case e.Error != "":
			s.FailedEventCount++
		case !e.Delivered:
			if now.Sub(e.Created) > m.cfg.WebhookDeliveryTimeout {
				s.FailedEventCount++
			}
		default:
			s.SuccessfulEventCount++
			if s.LastSuccessfulEvent == nil || e.Created.After(*s.LastSuccessfulEvent) {
				created := e.Created
				s.LastSuccessfulEvent = &created
			}
			if e.DeliveryTime != nil {
				totalDelay += *e.DeliveryTime
				timed++
			}
		}
	}
	var avg time.Duration
	if timed > 0 {
		avg = totalDelay / time.Duration(timed)
	}
	s.AverageDeliveryTime = avg.Milliseconds()
	s.IsHealthy = s.FailedEventCount == 0 && s.SuccessfulEventCount > 0

	switch {
	case len(events) == 0:
		// Silence is ambiguous; do not page on it.
		s.RecommendedAction = domain.ActionMonitor
	case s.FailedEventCount >= m.cfg.MaxFailedEvents:
		s.RecommendedAction = domain.ActionManualIntervention
	case s.FailedEventCount > 0:
		s.RecommendedAction = domain.ActionFallback
	case avg > m.cfg.WebhookDeliveryTimeout:
		s.RecommendedAction = domain.ActionMonitor
	default:
		s.RecommendedAction = domain.ActionNone
	}
	return s
}

// triggerRecovery starts one fix per stuck subscription. A subscription stays
// pending until its fix returns, so later ticks do not trigger it again.
func (m *HealthMonitor) triggerRecovery(ctx context.Context, stuck []domain.UserRecord) {
	if m.fixer == nil {
		return
	}
	for _, ur := range stuck {
		subID := ur.Record.SubscriptionID
		m.mu.Lock()
		if _, busy := m.pending[subID]; busy {
			m.mu.Unlock()
			continue
		}
		m.pending[subID] = struct{}{}
		m.mu.Unlock()

		m.log.Info().Str("subscription_id", subID).Str("user_id", ur.UserID).Msg("stuck subscription, starting recovery")
		m.fixes.Add(1)
		go func() {
			defer m.fixes.Done()
			defer func() {
				m.mu.Lock()
				delete(m.pending, subID)
				m.mu.Unlock()
			}()
			if !m.fixer.FixSubscription(context.WithoutCancel(ctx), subID) {
				m.log.Warn().Str("subscription_id", subID).Msg("stuck subscription recovery failed")
			}
		}()
	}
}

func (m *HealthMonitor) setFallback(on bool) {
	m.mu.Lock()
	m.fallback = on
	m.mu.Unlock()
	if m.cache != nil {
		m.cache.SetFallbackMode(on)
	}
}

func (m *HealthMonitor) fallbackEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

func (m *HealthMonitor) persist(ctx context.Context, status domain.HealthStatus) {
	m.mu.Lock()
	prev := m.last
	m.last = &status
	m.mu.Unlock()

	m.metrics.observeHealth(status)
	if m.status != nil {
		if err := m.status.SaveHealth(ctx, status); err != nil {
			m.log.Warn().Err(err).Msg("failed to persist health status")
		}
	}

	changed := prev == nil || prev.RecommendedAction != status.RecommendedAction || prev.FallbackMode != status.FallbackMode
	if changed {
		m.log.Info().
			Str("action", string(status.RecommendedAction)).
			Bool("healthy", status.IsHealthy).
			Bool("fallback_mode", status.FallbackMode).
			Msg("webhook health changed")
		if m.bus != nil {
			if err := m.bus.Publish(ctx, broadcast.HealthChanged(m.origin, status)); err != nil {
				m.log.Warn().Err(err).Msg("failed to broadcast health change")
			}
		}
	}
}

// String implements fmt.Stringer for log fields.
func (c HealthConfig) String() string {
	return fmt.Sprintf("interval=%s lookback=%s delivery_timeout=%s max_failed=%d stuck=%s",
		c.Interval, c.Lookback, c.WebhookDeliveryTimeout, c.MaxFailedEvents, c.StuckThreshold)
}
