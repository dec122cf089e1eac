package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitplan/subsync/internal/broadcast"
	"github.com/fitplan/subsync/internal/domain"
	"github.com/fitplan/subsync/pkg/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// BroadcastChannel is the pub/sub channel shared by all instances.
const BroadcastChannel = "subsync:broadcast"

const fallbackKeyPrefix = "subsync:fallback:"

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

type fallbackSnapshot struct {
	Record  *domain.SubscriptionRecord `json:"record"`
	SavedAt int64                      `json:"savedAt"`
}

// RedisFallbackStore keeps the last known record per user as a sealed
// snapshot. Age is judged by the reader; the TTL only bounds storage.
type RedisFallbackStore struct {
	client *redis.Client
	enc    *crypto.Encryptor
	ttl    time.Duration
}

func NewRedisFallbackStore(client *redis.Client, enc *crypto.Encryptor, ttl time.Duration) *RedisFallbackStore {
	return &RedisFallbackStore{client: client, enc: enc, ttl: ttl}
}

// Save seals rec and stores it with the current time.
func (s *RedisFallbackStore) Save(ctx context.Context, userID string, rec *domain.SubscriptionRecord) error {
	sealed, err := s.enc.SealJSON(fallbackSnapshot{Record: rec, SavedAt: time.Now().UnixMilli()}, []byte(userID))
	if err != nil {
		return fmt.Errorf("failed to seal fallback copy: %w", err)
	}
	if err := s.client.Set(ctx, fallbackKeyPrefix+userID, sealed, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save fallback copy: %w", err)
	}
	return nil
}

// Load returns the stored record and when it was saved. A missing key yields a nil record.
func (s *RedisFallbackStore) Load(ctx context.Context, userID string) (*domain.SubscriptionRecord, time.Time, error) {
	sealed, err := s.client.Get(ctx, fallbackKeyPrefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("failed to load fallback copy: %w", err)
	}
	var snap fallbackSnapshot
	if err := s.enc.OpenJSON(sealed, []byte(userID), &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to open fallback copy: %w", err)
	}
	return snap.Record, time.UnixMilli(snap.SavedAt), nil
}

// RedisBroadcastBus implements broadcast.Bus over Redis pub/sub.
type RedisBroadcastBus struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisBroadcastBus(client *redis.Client, log zerolog.Logger) *RedisBroadcastBus {
	return &RedisBroadcastBus{
		client:  client,
		channel: BroadcastChannel,
		log:     log.With().Str("component", "broadcast").Logger(),
	}
}

func (b *RedisBroadcastBus) Publish(ctx context.Context, m broadcast.Message) error {
	data, err := broadcast.Encode(m)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// Subscribe blocks delivering valid messages to handle until ctx is done.
// Malformed messages are logged and dropped.
func (b *RedisBroadcastBus) Subscribe(ctx context.Context, handle func(broadcast.Message)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m, err := broadcast.Decode([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Msg("dropping broadcast")
				continue
			}
			handle(m)
		}
	}
}
