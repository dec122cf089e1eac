package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitplan/subsync/internal/domain"
)

// MockGateway is an in-memory Gateway for development and tests.
// Signatures use "sha256=<hex hmac of payload>" with the configured secret.
type MockGateway struct {
	secret string

	mu            sync.Mutex
	subscriptions map[string]*Subscription
	events        []domain.WebhookEvent
	getErr        error
	listErr       error
	getDelay      time.Duration

	getCalls  atomic.Int64
	listCalls atomic.Int64
}

func NewMockGateway(secret string) *MockGateway {
	return &MockGateway{
		secret:        secret,
		subscriptions: make(map[string]*Subscription),
	}
}

// Sign returns the signature header value for payload.
func (g *MockGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (g *MockGateway) ConstructEvent(payload []byte, signature string) (*Event, error) {
	expected := g.Sign(payload)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return nil, ErrInvalidSignature
	}
	return ParseEvent(payload)
}

// SetSubscription stores the object returned by GetSubscription.
func (g *MockGateway) SetSubscription(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *sub
	g.subscriptions[sub.ID] = &cp
}

// SetGetError makes GetSubscription fail with err until cleared with nil.
func (g *MockGateway) SetGetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getErr = err
}

// SetGetDelay makes GetSubscription block for d or until ctx is done.
func (g *MockGateway) SetGetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getDelay = d
}

// SetEvents replaces the delivery samples returned by ListRecentWebhookEvents.
func (g *MockGateway) SetEvents(events []domain.WebhookEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append([]domain.WebhookEvent(nil), events...)
}

// SetListError makes ListRecentWebhookEvents fail with err until cleared with nil.
func (g *MockGateway) SetListError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listErr = err
}

// GetCalls returns how many times GetSubscription was invoked.
func (g *MockGateway) GetCalls() int64 { return g.getCalls.Load() }

// ListCalls returns how many times ListRecentWebhookEvents was invoked.
func (g *MockGateway) ListCalls() int64 { return g.listCalls.Load() }

func (g *MockGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	g.getCalls.Add(1)

	g.mu.Lock()
	delay, getErr := g.getDelay, g.getErr
	sub, ok := g.subscriptions[subscriptionID]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
	}
	if getErr != nil {
		return nil, getErr
	}
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
	}
	cp := *sub
	return &cp, nil
}

func (g *MockGateway) ListRecentWebhookEvents(ctx context.Context, window time.Duration) ([]domain.WebhookEvent, error) {
	g.listCalls.Add(1)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	cutoff := time.Now().Add(-window)
	var out []domain.WebhookEvent
	for _, e := range g.events {
		if !e.Created.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}
