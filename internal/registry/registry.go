// Package registry implements the callback registry: a one-byte
// request tag mapped to the handler invoked when a recv_req-classified
// message carrying that tag is drained.
package registry

import (
	"fmt"
	"sync"

	"github.com/srpcnet/srpc/internal/codec"
)

// Handler processes one inbound request message and returns the
// message to send back, if any.
type Handler func(sessionID uint32, req codec.Message) (codec.Message, error)

// Registry maps request tags to handlers. It becomes immutable once
// Freeze is called (the RPC core calls this on Start), so handlers can
// only be added before the core is running.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[uint8]Handler
	frozen bool
}

// New creates an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{byTag: make(map[uint8]Handler)}
}

// Register associates tag with handler. Returns an error if the registry
// is frozen or tag is already registered.
func (r *Registry) Register(tag uint8, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: cannot register tag %d after the core has started", tag)
	}
	if _, exists := r.byTag[tag]; exists {
		return fmt.Errorf("registry: tag %d already registered", tag)
	}
	r.byTag[tag] = handler
	return nil
}

// Freeze makes the registry immutable. Called once by the RPC core as it
// transitions out of Stopped.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the handler registered for tag, if any.
func (r *Registry) Lookup(tag uint8) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byTag[tag]
	return h, ok
}
