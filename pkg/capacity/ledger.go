package capacity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ttheew/symphony/pkg/types"
)

var (
	// ErrUnknownNode is returned for nodes the ledger has never seen.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInsufficient is returned when a reservation would push any label
	// past its total. Nothing is reserved in that case.
	ErrInsufficient = errors.New("insufficient capacity")
)

// Ledger tracks per-node reserved capacity vectors. It is the only authority
// that mutates reservations; the scheduler proposes, the ledger decides.
// Operations are linearizable per node.
type Ledger struct {
	mu    sync.Mutex
	nodes map[string]*nodeLedger
}

type nodeLedger struct {
	total    types.CapacityVector
	reserved types.CapacityVector
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{nodes: make(map[string]*nodeLedger)}
}

// AddNode registers a node's declared capacity totals. Re-adding a node that
// reconnected refreshes its totals but keeps existing reservations; they are
// dropped only by RemoveNode once the loss is acted on.
func (l *Ledger) AddNode(nodeID string, total types.CapacityVector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nodes[nodeID]; ok {
		n.total = total.Clone()
		return
	}
	l.nodes[nodeID] = &nodeLedger{
		total:    total.Clone(),
		reserved: make(types.CapacityVector, len(total)),
	}
}

// RemoveNode drops a node and all its reservations.
func (l *Ledger) RemoveNode(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

// TryReserve atomically checks every label in requests against the node's
// available vector. Either all labels are reserved or none are.
func (l *Ledger) TryReserve(nodeID string, requests types.CapacityVector) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	for label, req := range requests {
		total, declared := n.total[label]
		if !declared {
			return fmt.Errorf("%w: node %s does not declare %q", ErrInsufficient, nodeID, label)
		}
		if n.reserved[label]+req > total {
			return fmt.Errorf("%w: node %s label %q (%d reserved + %d requested > %d total)",
				ErrInsufficient, nodeID, label, n.reserved[label], req, total)
		}
	}

	for label, req := range requests {
		n.reserved[label] += req
	}
	return nil
}

// Release decrements reservations. Entries are clamped at zero so a double
// release can never drive the vector negative.
func (l *Ledger) Release(nodeID string, requests types.CapacityVector) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return
	}
	for label, req := range requests {
		n.reserved[label] -= req
		if n.reserved[label] <= 0 {
			delete(n.reserved, label)
		}
	}
}

// Available returns a copy of total - reserved for a node.
func (l *Ledger) Available(nodeID string) (types.CapacityVector, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	out := make(types.CapacityVector, len(n.total))
	for label, total := range n.total {
		out[label] = total - n.reserved[label]
	}
	return out, nil
}

// Reserved returns a copy of the node's reserved vector.
func (l *Ledger) Reserved(nodeID string) (types.CapacityVector, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return n.reserved.Clone(), nil
}

// Totals returns a copy of the node's declared totals.
func (l *Ledger) Totals(nodeID string) (types.CapacityVector, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return n.total.Clone(), nil
}
