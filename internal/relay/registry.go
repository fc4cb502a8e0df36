package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// sendBufferSize bounds the outbound channel per session. When a
	// recipient cannot keep up, routing diverts to the durable queue
	// instead of piling frames up in memory.
	sendBufferSize = 100

	// handoffWait bounds how long a router hand-off may block on a
	// near-full channel before falling back to the queue.
	handoffWait = 50 * time.Millisecond
)

var (
	// ErrSessionClosed reports a hand-off to a session already tearing down.
	ErrSessionClosed = errors.New("session closed")
	// ErrChannelFull reports a hand-off that timed out on a full channel.
	ErrChannelFull = errors.New("session channel full")
)

// Handle is the outbound endpoint registered for an identity: a bounded
// channel of serialized frames drained by the session's forwarding task.
type Handle struct {
	identity  string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newHandle(identity string) *Handle {
	return &Handle{
		identity: identity,
		ch:       make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// Identity returns the recipient identity this handle serves.
func (h *Handle) Identity() string {
	return h.identity
}

// Deliver hands a serialized frame to the session's outbound channel,
// waiting at most handoffWait for capacity.
func (h *Handle) Deliver(ctx context.Context, data []byte) error {
	timer := time.NewTimer(handoffWait)
	defer timer.Stop()

	select {
	case <-h.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case h.ch <- data:
		return nil
	case <-timer.C:
		return ErrChannelFull
	}
}

// Close marks the handle dead. Safe to call more than once; pending frames
// already in the channel are abandoned to the owning session's teardown.
func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Closed reports whether the handle has been shut down.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Registry maps recipient identities to their live outbound handles.
type Registry interface {
	// Register installs the handle for identity, displacing any prior
	// holder. The displaced handle (if any) is returned so the caller can
	// shut it down.
	Register(identity string, h *Handle) (displaced *Handle)
	// Remove deletes the entry for identity, but only if it still points
	// at h. A displaced session's teardown must not evict its replacement.
	Remove(identity string, h *Handle) bool
	// Lookup returns the current handle for identity.
	Lookup(identity string) (*Handle, bool)
}

// InMemoryRegistry is the single-process registry implementation. Lookups
// are the routing hot path, so reads share a lock concurrently with each
// other and exclude only registration and removal.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry builds an empty in-memory registry.
func NewRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		handles: make(map[string]*Handle),
	}
}

// Register installs a handle, returning the displaced prior holder if any.
func (r *InMemoryRegistry) Register(identity string, h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.handles[identity]
	r.handles[identity] = h
	if prev == h {
		return nil
	}
	return prev
}

// Remove deletes the entry for identity if it still belongs to h.
func (r *InMemoryRegistry) Remove(identity string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.handles[identity]; !ok || current != h {
		return false
	}
	delete(r.handles, identity)
	return true
}

// Lookup fetches the live handle for identity.
func (r *InMemoryRegistry) Lookup(identity string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[identity]
	return h, ok
}

// Len reports the number of registered sessions.
func (r *InMemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
