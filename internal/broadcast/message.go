// Package broadcast defines the versioned messages exchanged between service
// instances and connected clients when a user's entitlement changes.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/go-playground/validator/v10"
)

// Version is the only schema version this build accepts.
const Version = 1

// Kind discriminates the message union.
type Kind string

const (
	KindSubscriptionUpdated Kind = "subscription.updated"
	KindCacheInvalidate     Kind = "cache.invalidate"
	KindHealthChanged       Kind = "health.changed"
)

// ErrInvalid wraps every decode or validation failure.
var ErrInvalid = errors.New("broadcast: invalid message")

var validate = validator.New()

// Message is one broadcast. Which optional fields are set depends on Kind.
type Message struct {
	V      int                        `json:"v" validate:"eq=1"`
	Kind   Kind                       `json:"kind" validate:"required,oneof=subscription.updated cache.invalidate health.changed"`
	Origin string                     `json:"origin" validate:"required"`
	UserID string                     `json:"userId,omitempty" validate:"required_unless=Kind health.changed"`
	Record *domain.SubscriptionRecord `json:"record,omitempty" validate:"required_if=Kind subscription.updated"`
	Source domain.Source              `json:"source,omitempty"`
	Health *domain.HealthStatus       `json:"health,omitempty" validate:"required_if=Kind health.changed"`
	SentAt int64                      `json:"sentAt" validate:"gt=0"`
}

func SubscriptionUpdated(origin, userID string, rec *domain.SubscriptionRecord, source domain.Source) Message {
	return Message{
		V:      Version,
		Kind:   KindSubscriptionUpdated,
		Origin: origin,
		UserID: userID,
		Record: rec,
		Source: source,
		SentAt: time.Now().UnixMilli(),
	}
}

func CacheInvalidate(origin, userID string) Message {
	return Message{V: Version, Kind: KindCacheInvalidate, Origin: origin, UserID: userID, SentAt: time.Now().UnixMilli()}
}

func HealthChanged(origin string, status domain.HealthStatus) Message {
	return Message{V: Version, Kind: KindHealthChanged, Origin: origin, Health: &status, SentAt: time.Now().UnixMilli()}
}

// Validate checks the message against the v1 schema.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Encode validates and marshals m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode unmarshals and validates a received payload. Unknown versions and kinds are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Bus carries messages between instances.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe calls handle for every valid message until ctx is done.
	Subscribe(ctx context.Context, handle func(Message)) error
}

// LocalBus is an in-process Bus for single-instance deployments and tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[int]func(Message)
	nextID   int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(Message))}
}

func (b *LocalBus) Publish(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	hs := make([]func(Message), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, handle func(Message)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}
