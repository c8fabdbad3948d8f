// Package observer implements the supplemented Observer wire kind
// (spec.md §6 names `Observer{register|observed_value}` but never
// specifies its handling; this fills the gap). Grounded on febft's
// `src/bft/core/server/observer/mod.rs`: a single-producer registry
// that mirrors every decided height out to registered watchers.
package observer

import (
	"sync"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// Registry tracks registered observer peers and the single producer
// (the driver, on every Decided transition) that pushes observations
// out to them.
type Registry struct {
	mu      sync.RWMutex
	members map[types.NodeId]struct{}
	log     types.Logger
}

// NewRegistry creates an empty observer registry.
func NewRegistry(log types.Logger) *Registry {
	return &Registry{members: make(map[types.NodeId]struct{}), log: log}
}

// Register adds peer to the registered-watchers set.
func (r *Registry) Register(peer types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[peer] = struct{}{}
	r.log.Debugf("observer: registered %v", peer)
}

// Unregister removes peer from the watchers set.
func (r *Registry) Unregister(peer types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, peer)
}

// Members returns a snapshot of the currently registered watchers.
func (r *Registry) Members() []types.NodeId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeId, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	return out
}

// Notify builds the wire message broadcast to every registered watcher
// for one decided height; the caller (the driver) is responsible for
// actually sending it through the registry's links.
func Notify(height types.SeqNo, digest types.Digest) types.Message {
	return types.ObserverEnvelope(types.ObserverMessage{
		Register:       false,
		ObservedHeight: height,
		ObservedValue:  digest[:],
	})
}

// HandleMessage processes an inbound Observer message: a register
// request updates the membership set; an observed-value notification
// (sent by a peer, not normally expected inbound at a replica) is
// ignored.
func (r *Registry) HandleMessage(from types.NodeId, msg types.ObserverMessage) {
	if msg.Register {
		r.Register(from)
	}
}
