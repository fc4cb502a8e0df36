package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/IsmailKharoub/silence-relay/internal/relay"
)

// pendingKeyPrefix namespaces per-recipient queues in the store.
const pendingKeyPrefix = "pending:"

// Store is the Redis-backed durable queue: one FIFO list per recipient,
// expiring as a whole when no append refreshes its TTL inside the retention
// window.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// New connects to Redis, verifies the connection, and returns the store.
// A connection failure here is fatal to callers: the relay cannot operate
// without durable queuing.
func New(ctx context.Context, url string, ttl time.Duration, log *zap.Logger) (*Store, error) {
	if ttl <= 0 {
		return nil, errors.New("queue retention ttl must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("connected to queue store", zap.String("addr", opts.Addr))
	return &Store{client: client, ttl: ttl, log: log}, nil
}

// Enqueue appends the envelope to the recipient's queue and resets the
// queue's TTL. The TTL is refreshed on every append, never on reads, so an
// untouched queue expires as one unit after the retention window.
func (s *Store) Enqueue(ctx context.Context, env *relay.MessageEnvelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	key := pendingKey(env.To)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", key, err)
	}

	s.log.Debug("envelope queued",
		zap.String("message_id", env.MessageID),
		zap.String("to", env.To))
	return nil
}

// FetchAndClear returns all queued envelopes for identity in FIFO order and
// drops the queue. Entries that no longer deserialize are logged and
// skipped; they never block delivery of the rest.
func (s *Store) FetchAndClear(ctx context.Context, identity string) ([]relay.MessageEnvelope, error) {
	key := pendingKey(identity)

	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if len(raw) == 0 {
		return []relay.MessageEnvelope{}, nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("clear %s: %w", key, err)
	}

	envelopes := make([]relay.MessageEnvelope, 0, len(raw))
	for _, entry := range raw {
		var env relay.MessageEnvelope
		if err := json.Unmarshal([]byte(entry), &env); err != nil {
			s.log.Warn("skipping malformed queue entry",
				zap.String("identity", identity), zap.Error(err))
			continue
		}
		envelopes = append(envelopes, env)
	}

	s.log.Debug("fetched pending envelopes",
		zap.String("identity", identity), zap.Int("count", len(envelopes)))
	return envelopes, nil
}

// Close releases the client connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func pendingKey(identity string) string {
	return pendingKeyPrefix + identity
}
