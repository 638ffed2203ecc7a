package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/frak-labs/frame-connector/internal/sso"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/google/uuid"
)

// Registry tracks live frame connections by the context id they connected
// with, so a related frame (SSO popup to its opener's listener) can be
// located. Lookup is best-effort.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*frameHandle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*frameHandle)}
}

// Add registers a connection under a context id and returns its removal
// function. A reconnect under the same id replaces the previous entry.
func (r *Registry) Add(contextID, origin string, transport rpc.Transport) func() {
	handle := &frameHandle{origin: origin, transport: transport}
	r.mu.Lock()
	r.entries[contextID] = handle
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if r.entries[contextID] == handle {
			delete(r.entries, contextID)
		}
		r.mu.Unlock()
	}
}

// Find locates the frame registered under a context id.
func (r *Registry) Find(contextID string) (sso.Opener, bool) {
	r.mu.RLock()
	handle, ok := r.entries[contextID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return handle, true
}

// Len returns the number of registered frames.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// frameHandle pushes notification envelopes to one registered frame.
type frameHandle struct {
	origin    string
	transport rpc.Transport
}

func (h *frameHandle) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	env := rpc.Envelope{ID: uuid.NewString(), Method: method, Params: raw}
	return h.transport.Send(ctx, rpc.Frame{Origin: h.origin, Envelopes: []rpc.Envelope{env}})
}
