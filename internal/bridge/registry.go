// ABOUTME: Process-local registry mapping instance identity to its live transport handle.
// ABOUTME: Never persisted; rebuilt from scratch as clients reconnect after a restart.

package bridge

import (
	"log/slog"
	"sync"
)

// Registry tracks the live connection for each instance identity.
// At most one live connection exists per identity; registering under an
// existing identity replaces the old handle, which the transport layer
// is responsible for closing.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	logger *slog.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		peers:  make(map[string]Peer),
		logger: logger,
	}
}

// Register adds or replaces the live connection for an instance.
func (r *Registry) Register(instanceID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[instanceID]; exists {
		r.logger.Warn("replacing live connection", "instance_id", instanceID)
	}
	r.peers[instanceID] = peer
	r.logger.Info("instance connected", "instance_id", instanceID, "live_connections", len(r.peers))
}

// Unregister removes the live connection for an instance, but only if the
// registered handle is still the given one. A handle replaced by a newer
// connection must not tear down its successor's entry.
func (r *Registry) Unregister(instanceID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[instanceID]; ok && current == peer {
		delete(r.peers, instanceID)
		r.logger.Info("instance disconnected", "instance_id", instanceID, "live_connections", len(r.peers))
	}
}

// Get returns the live connection for an instance, if any.
func (r *Registry) Get(instanceID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[instanceID]
	return peer, ok
}

// All returns a copy of the live connection map.
func (r *Registry) All() map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Peer, len(r.peers))
	for id, peer := range r.peers {
		out[id] = peer
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
