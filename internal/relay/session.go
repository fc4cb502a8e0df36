package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport frames text messages over one live client connection. ReadMessage
// blocks until the next frame or a terminal transport error; Close unblocks a
// pending read and is safe to call concurrently and repeatedly.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Sessions owns the per-connection lifecycle: registration, backlog flush,
// the paired inbound/outbound loops, and teardown.
type Sessions struct {
	log      *zap.Logger
	registry Registry
	router   *Router
	store    QueueStore
	metrics  *Metrics
	nowFn    func() time.Time
}

// SessionsConfig wires lifecycle dependencies.
type SessionsConfig struct {
	Log      *zap.Logger
	Registry Registry
	Router   *Router
	Store    QueueStore
	Metrics  *Metrics
}

// NewSessions constructs the session lifecycle manager.
func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	if cfg.Registry == nil {
		return nil, errors.New("sessions registry is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("sessions router is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("sessions queue store is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Sessions{
		log:      cfg.Log,
		registry: cfg.Registry,
		router:   cfg.Router,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		nowFn:    time.Now,
	}, nil
}

// Run drives one client connection from registration to teardown. It returns
// once the transport closes, the context is cancelled, or the session is
// displaced by a newer connection for the same identity.
func (s *Sessions) Run(ctx context.Context, identity string, transport Transport) error {
	handle := newHandle(identity)

	if displaced := s.registry.Register(identity, handle); displaced != nil {
		displaced.Close()
		s.metrics.recordDisplacement()
		s.log.Info("displaced prior session", zap.String("identity", identity))
	}
	s.metrics.incSession()
	s.log.Info("session connected", zap.String("identity", identity))

	var senderDone chan struct{}
	defer func() {
		handle.Close()
		s.registry.Remove(identity, handle)
		_ = transport.Close()
		if senderDone != nil {
			<-senderDone
		}
		s.metrics.decSession()
		s.log.Info("session closed", zap.String("identity", identity))
	}()

	// Closing the transport is what unblocks a pending read or write,
	// whether the caller's context ended, the session was displaced, or a
	// send failed.
	go func() {
		select {
		case <-ctx.Done():
		case <-handle.done:
		}
		_ = transport.Close()
	}()

	if err := s.flushBacklog(ctx, identity, transport); err != nil {
		return err
	}

	senderDone = make(chan struct{})
	go s.forward(handle, transport, senderDone)

	state := &sessionState{identity: identity}
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			s.log.Debug("transport read ended", zap.String("identity", identity), zap.Error(err))
			return nil
		}
		s.handleFrame(ctx, state, data)
	}
}

// flushBacklog delivers queued envelopes before live traffic starts, so the
// backlog reaches the client in queue order ahead of anything routed after
// registration.
func (s *Sessions) flushBacklog(ctx context.Context, identity string, transport Transport) error {
	backlog, err := s.store.FetchAndClear(ctx, identity)
	if err != nil {
		s.log.Warn("fetch backlog failed", zap.String("identity", identity), zap.Error(err))
		return nil
	}
	for _, env := range backlog {
		data, err := env.Encode()
		if err != nil {
			s.log.Warn("skip unencodable backlog envelope",
				zap.String("identity", identity), zap.Error(err))
			continue
		}
		if err := transport.WriteMessage(data); err != nil {
			return fmt.Errorf("flush backlog to %s: %w", identity, err)
		}
	}
	if len(backlog) > 0 {
		s.metrics.recordBacklog(len(backlog))
		s.log.Info("flushed backlog",
			zap.String("identity", identity), zap.Int("count", len(backlog)))
	}
	return nil
}

// forward drains the session's outbound channel into the transport. A send
// failure shuts the handle, which in turn ends the inbound loop via the
// transport close in Run's teardown path.
func (s *Sessions) forward(h *Handle, transport Transport, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-h.done:
			return
		case data := <-h.ch:
			if err := transport.WriteMessage(data); err != nil {
				s.log.Warn("transport send failed",
					zap.String("identity", h.identity), zap.Error(err))
				h.Close()
				return
			}
		}
	}
}

func (s *Sessions) handleFrame(ctx context.Context, state *sessionState, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.metrics.recordFrameError("unknown_frame")
		s.log.Warn("discarding unrecognized frame",
			zap.String("identity", state.identity), zap.Error(err))
		return
	}

	if frame.Envelope != nil {
		s.handleEnvelope(ctx, state, frame.Envelope)
		return
	}
	s.handleReceipt(state, frame.Receipt)
}

func (s *Sessions) handleEnvelope(ctx context.Context, state *sessionState, env *MessageEnvelope) {
	if env.To == "" {
		s.metrics.recordFrameError("missing_recipient")
		s.log.Warn("discarding envelope without recipient", zap.String("identity", state.identity))
		return
	}

	// The sender's identity is established at connect; never trust the
	// client-supplied from field.
	env.From = state.identity
	env.Timestamp = state.stamp(s.nowFn())
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}

	if err := s.router.Route(ctx, env); err != nil {
		s.metrics.recordFrameError("route_failed")
		s.log.Warn("route failed, dropping frame",
			zap.String("identity", state.identity),
			zap.String("message_id", env.MessageID),
			zap.Error(err))
	}
}

func (s *Sessions) handleReceipt(state *sessionState, rcpt *DeliveryReceipt) {
	if !rcpt.Status.Valid() {
		s.metrics.recordFrameError("bad_receipt")
		s.log.Warn("discarding receipt with unknown status",
			zap.String("identity", state.identity),
			zap.String("status", string(rcpt.Status)))
		return
	}
	// Receipts are not propagated to senders yet; record and move on.
	s.log.Info("delivery receipt",
		zap.String("identity", state.identity),
		zap.String("message_id", rcpt.MessageID),
		zap.String("status", string(rcpt.Status)))
}

// sessionState carries per-connection stamping state for the inbound loop.
type sessionState struct {
	identity string
	lastTS   int64
}

// stamp assigns a millisecond timestamp that never repeats or regresses
// within the session, even when frames arrive inside the same millisecond.
func (st *sessionState) stamp(now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= st.lastTS {
		ts = st.lastTS + 1
	}
	st.lastTS = ts
	return ts
}
