package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

// ErrDuplicateNode is returned when a NodeHello arrives for a node_id that
// already has a live session.
var ErrDuplicateNode = errors.New("node already registered")

// Sender is the outbound half of a node session. Session writers implement
// it; the reconciler and log broker send commands through it without
// importing the session type.
type Sender interface {
	// Send enqueues a frame on the session's bounded outbound queue. It
	// never blocks; a full queue is an error that closes the session.
	Send(f *wire.Frame) error
	// Close terminates the session with a reason.
	Close(reason string)
}

// EventKind discriminates registry events.
type EventKind string

const (
	EventNodeConnected EventKind = "node-connected"
	EventNodeLost      EventKind = "node-lost"
)

// Event is emitted on node registration and loss. The reconciler consumes
// these edge-triggered; its periodic sweep covers any dropped event.
type Event struct {
	Kind   EventKind
	NodeID string
	Reason string
}

type record struct {
	info   types.NodeInfo
	sender Sender
}

// Registry tracks currently-connected nodes and their sessions. Readers
// never block writers; snapshots copy references and numeric fields under a
// short lock.
type Registry struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	nodes  map[string]*record
	events chan Event
}

// NewRegistry creates an empty registry with a bounded event queue.
func NewRegistry() *Registry {
	return &Registry{
		logger: log.WithComponent("registry"),
		nodes:  make(map[string]*record),
		events: make(chan Event, 128),
	}
}

// Events returns the registry's event stream.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Register adds a node session after an accepted NodeHello. It fails with
// ErrDuplicateNode if a session for the node_id already exists.
func (r *Registry) Register(info types.NodeInfo, sender Sender) error {
	r.mu.Lock()
	if _, exists := r.nodes[info.NodeID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateNode, info.NodeID)
	}
	info.State = types.NodeConnected
	info.LastHeartbeatMs = types.NowMs()
	r.nodes[info.NodeID] = &record{info: info, sender: sender}
	r.mu.Unlock()

	r.emit(Event{Kind: EventNodeConnected, NodeID: info.NodeID})
	return nil
}

// Deregister removes a node. It is idempotent and emits a node-lost event on
// the first call only.
func (r *Registry) Deregister(nodeID, reason string) {
	r.mu.Lock()
	_, exists := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	r.mu.Unlock()

	if exists {
		r.emit(Event{Kind: EventNodeLost, NodeID: nodeID, Reason: reason})
	}
}

// Heartbeat records a heartbeat and refreshes the node's dynamic resources.
func (r *Registry) Heartbeat(nodeID string, dyn types.DynamicResources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	rec.info.LastHeartbeatMs = types.NowMs()
	rec.info.Dynamic = dyn
}

// Touch refreshes a node's heartbeat timestamp without new resource data.
// Any frame on the session counts as liveness.
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.nodes[nodeID]; ok {
		rec.info.LastHeartbeatMs = types.NowMs()
	}
}

// Sender returns the session handle for a node, if connected.
func (r *Registry) Sender(nodeID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return rec.sender, true
}

// Get returns a copy of one node's info.
func (r *Registry) Get(nodeID string) (types.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return types.NodeInfo{}, false
	}
	return r.view(rec), true
}

// Snapshot returns a point-in-time copy of every node's info, with liveness
// state derived from heartbeat age.
func (r *Registry) Snapshot() []types.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, r.view(rec))
	}
	slices.SortFunc(out, func(a, b types.NodeInfo) int {
		if a.NodeID < b.NodeID {
			return -1
		}
		if a.NodeID > b.NodeID {
			return 1
		}
		return 0
	})
	return out
}

// NodesInGroup returns connected nodes advertising the group. Stale and
// disconnected nodes are excluded: they are not placement candidates.
func (r *Registry) NodesInGroup(group string) []types.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.NodeInfo
	for _, rec := range r.nodes {
		if !slices.Contains(rec.info.Groups, group) {
			continue
		}
		info := r.view(rec)
		if info.State != types.NodeConnected {
			continue
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b types.NodeInfo) int {
		if a.NodeID < b.NodeID {
			return -1
		}
		if a.NodeID > b.NodeID {
			return 1
		}
		return 0
	})
	return out
}

// Expired returns nodes whose heartbeat age exceeds 10x their interval.
// The session sweep disconnects them.
func (r *Registry) Expired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, rec := range r.nodes {
		if stateFor(rec.info) == types.NodeDisconnected {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) view(rec *record) types.NodeInfo {
	info := rec.info
	info.Groups = slices.Clone(rec.info.Groups)
	info.CapacitiesTotal = rec.info.CapacitiesTotal.Clone()
	info.State = stateFor(rec.info)
	return info
}

func stateFor(info types.NodeInfo) types.NodeState {
	interval := info.HeartbeatInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	age := time.Duration(types.NowMs()-info.LastHeartbeatMs) * time.Millisecond
	switch {
	case age > 10*interval:
		return types.NodeDisconnected
	case age > 3*interval:
		return types.NodeStale
	default:
		return types.NodeConnected
	}
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		// The reconciler's periodic sweep re-derives node state, so a
		// dropped edge event is recovered within one sweep.
		r.logger.Warn().
			Str("node_id", ev.NodeID).
			Str("event", string(ev.Kind)).
			Msg("event queue full, dropping")
	}
}
