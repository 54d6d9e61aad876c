package reconciler

import (
	"sync"

	"github.com/ttheew/symphony/pkg/types"
)

// Assignment is the live binding of a deployment to a node, including the
// command acknowledgement state the reconciler tracks.
type Assignment struct {
	DeploymentID  string
	NodeID        string
	Requests      types.CapacityVector
	RevisionSent  uint64
	RevisionAcked uint64
	SentAtMs      int64
	AwaitingAck   bool
	// Released marks a binding whose capacity reservation has been returned
	// to the ledger while the deployment stays bound to its node (stopped
	// deployments keep their node until restarted or rescheduled).
	Released bool
}

// Assignments is the in-memory deployment -> node table. After a conductor
// restart the reconciler repopulates it by adopting the assigned_node_id
// persisted on each record.
type Assignments struct {
	mu     sync.RWMutex
	byID   map[string]*Assignment
	byNode map[string]map[string]struct{}
}

// NewAssignments creates an empty assignment table.
func NewAssignments() *Assignments {
	return &Assignments{
		byID:   make(map[string]*Assignment),
		byNode: make(map[string]map[string]struct{}),
	}
}

// Assign records a fresh placement. Any previous binding for the deployment
// is replaced.
func (a *Assignments) Assign(deploymentID, nodeID string, requests types.CapacityVector) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.removeLocked(deploymentID)
	a.byID[deploymentID] = &Assignment{
		DeploymentID: deploymentID,
		NodeID:       nodeID,
		Requests:     requests.Clone(),
	}
	if a.byNode[nodeID] == nil {
		a.byNode[nodeID] = make(map[string]struct{})
	}
	a.byNode[nodeID][deploymentID] = struct{}{}
}

// MarkSent records that a command at the given revision is in flight.
func (a *Assignments) MarkSent(deploymentID string, revision uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asg, ok := a.byID[deploymentID]; ok {
		asg.RevisionSent = revision
		asg.SentAtMs = types.NowMs()
		asg.AwaitingAck = true
	}
}

// Ack records the revision a node has acknowledged. Stale acks (below the
// current high-water mark) are ignored.
func (a *Assignments) Ack(deploymentID string, revision uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asg, ok := a.byID[deploymentID]
	if !ok {
		return
	}
	if revision > asg.RevisionAcked {
		asg.RevisionAcked = revision
	}
	if asg.RevisionAcked >= asg.RevisionSent {
		asg.AwaitingAck = false
	}
}

// SetReleased flags whether the binding's capacity is currently reserved.
func (a *Assignments) SetReleased(deploymentID string, released bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asg, ok := a.byID[deploymentID]; ok {
		asg.Released = released
	}
}

// Remove drops a binding, returning the removed copy for capacity release.
func (a *Assignments) Remove(deploymentID string) (Assignment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	asg, ok := a.byID[deploymentID]
	if !ok {
		return Assignment{}, false
	}
	out := *asg
	out.Requests = asg.Requests.Clone()
	a.removeLocked(deploymentID)
	return out, true
}

// Get returns a copy of a binding.
func (a *Assignments) Get(deploymentID string) (Assignment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	asg, ok := a.byID[deploymentID]
	if !ok {
		return Assignment{}, false
	}
	out := *asg
	out.Requests = asg.Requests.Clone()
	return out, true
}

// ForNode returns copies of every binding held by a node.
func (a *Assignments) ForNode(nodeID string) []Assignment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Assignment
	for id := range a.byNode[nodeID] {
		asg := a.byID[id]
		cp := *asg
		cp.Requests = asg.Requests.Clone()
		out = append(out, cp)
	}
	return out
}

// StalePending returns bindings whose in-flight command has gone unacked for
// longer than timeoutMs.
func (a *Assignments) StalePending(timeoutMs int64) []Assignment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := types.NowMs()
	var out []Assignment
	for _, asg := range a.byID {
		if asg.AwaitingAck && now-asg.SentAtMs > timeoutMs {
			cp := *asg
			cp.Requests = asg.Requests.Clone()
			out = append(out, cp)
		}
	}
	return out
}

// NodeFor implements the scheduler's assignment index.
func (a *Assignments) NodeFor(deploymentID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	asg, ok := a.byID[deploymentID]
	if !ok {
		return "", false
	}
	return asg.NodeID, true
}

// CountForNode implements the scheduler's assignment index.
func (a *Assignments) CountForNode(nodeID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byNode[nodeID])
}

func (a *Assignments) removeLocked(deploymentID string) {
	asg, ok := a.byID[deploymentID]
	if !ok {
		return
	}
	delete(a.byID, deploymentID)
	if peers, ok := a.byNode[asg.NodeID]; ok {
		delete(peers, deploymentID)
		if len(peers) == 0 {
			delete(a.byNode, asg.NodeID)
		}
	}
}
