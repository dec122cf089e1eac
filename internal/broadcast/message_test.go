package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_SubscriptionUpdated(t *testing.T) {
	rec := &domain.SubscriptionRecord{SubscriptionID: "sub_1", Status: domain.StatusActive}
	data, err := Encode(SubscriptionUpdated("inst-a", "u1", rec, domain.SourceCanonical))
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindSubscriptionUpdated, m.Kind)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, domain.StatusActive, m.Record.Status)
	assert.Equal(t, domain.SourceCanonical, m.Source)
}

func TestDecode_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad json":        `{`,
		"wrong version":   `{"v":2,"kind":"cache.invalidate","origin":"a","userId":"u1","sentAt":1}`,
		"unknown kind":    `{"v":1,"kind":"user.deleted","origin":"a","userId":"u1","sentAt":1}`,
		"missing origin":  `{"v":1,"kind":"cache.invalidate","userId":"u1","sentAt":1}`,
		"missing user":    `{"v":1,"kind":"cache.invalidate","origin":"a","sentAt":1}`,
		"missing record":  `{"v":1,"kind":"subscription.updated","origin":"a","userId":"u1","sentAt":1}`,
		"missing health":  `{"v":1,"kind":"health.changed","origin":"a","sentAt":1}`,
		"missing sent at": `{"v":1,"kind":"cache.invalidate","origin":"a","userId":"u1"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDecode_HealthChangedNeedsNoUser(t *testing.T) {
	data, err := Encode(HealthChanged("inst-a", domain.HealthStatus{RecommendedAction: domain.ActionFallback}))
	require.NoError(t, err)
	m, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFallback, m.Health.RecommendedAction)
}

func TestLocalBus_FanOut(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 2)
	for i := 0; i < 2; i++ {
		go func() { _ = bus.Subscribe(ctx, func(m Message) { got <- m }) }()
	}
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.handlers) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, CacheInvalidate("inst-a", "u1")))
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			assert.Equal(t, "u1", m.UserID)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}

	assert.Error(t, bus.Publish(ctx, Message{Kind: "bogus"}))
}
