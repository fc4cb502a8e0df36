package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// QueueStore persists envelopes for recipients with no live session.
type QueueStore interface {
	// Enqueue appends the envelope to the recipient's queue and resets the
	// queue's retention TTL.
	Enqueue(ctx context.Context, env *MessageEnvelope) error
	// FetchAndClear returns all queued envelopes for identity in FIFO
	// order and removes the queue. An empty queue yields an empty slice.
	FetchAndClear(ctx context.Context, identity string) ([]MessageEnvelope, error)
}

// Router decides between direct delivery and durable queuing for each
// envelope.
type Router struct {
	log      *zap.Logger
	registry Registry
	store    QueueStore
	metrics  *Metrics
}

// RouterConfig wires the router's dependencies.
type RouterConfig struct {
	Log      *zap.Logger
	Registry Registry
	Store    QueueStore
	Metrics  *Metrics
}

// NewRouter constructs a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errors.New("router registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("router queue store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Router{
		log:      cfg.Log,
		registry: cfg.Registry,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
	}, nil
}

// Route delivers the envelope to its recipient's live session, or falls
// back to the durable queue when no session exists or the hand-off fails.
// A recipient disconnecting between lookup and hand-off is handled the same
// as being offline: the envelope diverts to the queue and is never dropped.
func (r *Router) Route(ctx context.Context, env *MessageEnvelope) error {
	start := time.Now()

	if h, ok := r.registry.Lookup(env.To); ok {
		data, err := env.Encode()
		if err != nil {
			r.metrics.observeRoute("error", time.Since(start))
			return err
		}
		if err := h.Deliver(ctx, data); err == nil {
			r.metrics.recordDirect()
			r.metrics.observeRoute("direct", time.Since(start))
			r.log.Debug("message delivered directly",
				zap.String("message_id", env.MessageID),
				zap.String("to", env.To))
			return nil
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.metrics.observeRoute("error", time.Since(start))
			return err
		}
		// Full or closing channel falls through to the queue.
	}

	if err := r.store.Enqueue(ctx, env); err != nil {
		r.metrics.observeRoute("error", time.Since(start))
		return fmt.Errorf("queue envelope for %s: %w", env.To, err)
	}
	r.metrics.recordQueued()
	r.metrics.observeRoute("queued", time.Since(start))
	r.log.Debug("message queued for offline delivery",
		zap.String("message_id", env.MessageID),
		zap.String("to", env.To))
	return nil
}
