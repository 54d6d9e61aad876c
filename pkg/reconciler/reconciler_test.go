package reconciler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/events"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/scheduler"
	"github.com/ttheew/symphony/pkg/storage"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

type captureSender struct {
	mu     sync.Mutex
	frames []*wire.Frame
	closed bool
}

func (c *captureSender) Send(f *wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureSender) Close(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *captureSender) sent() []*wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.Frame(nil), c.frames...)
}

func (c *captureSender) lastReq(t *testing.T) wire.DeploymentReq {
	t.Helper()
	frames := c.sent()
	require.NotEmpty(t, frames)
	var req wire.DeploymentReq
	require.NoError(t, wire.Decode(frames[len(frames)-1], wire.KindDeploymentReq, &req))
	return req
}

type harness struct {
	store       storage.Store
	registry    *registry.Registry
	ledger      *capacity.Ledger
	assignments *Assignments
	broker      *events.Broker
	rec         *Reconciler
	senders     map[string]*captureSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:       st,
		registry:    registry.NewRegistry(),
		ledger:      capacity.NewLedger(),
		assignments: NewAssignments(),
		broker:      events.NewBroker(),
		senders:     make(map[string]*captureSender),
	}
	sched := scheduler.NewScheduler(h.registry, h.ledger, h.assignments)
	h.rec = New(st, h.registry, h.ledger, sched, h.assignments, h.broker, time.Second)
	return h
}

func (h *harness) addNode(t *testing.T, nodeID string, total types.CapacityVector) *captureSender {
	t.Helper()
	sender := &captureSender{}
	require.NoError(t, h.registry.Register(types.NodeInfo{
		NodeID:          nodeID,
		Groups:          []string{"cpu"},
		CapacitiesTotal: total,
	}, sender))
	h.ledger.AddNode(nodeID, total)
	h.senders[nodeID] = sender
	return sender
}

func (h *harness) create(t *testing.T, name string, requests types.CapacityVector) *types.Deployment {
	t.Helper()
	d, err := h.store.Create(&types.Deployment{
		Name:             name,
		Kind:             types.KindExec,
		NodeGroup:        "cpu",
		CapacityRequests: requests,
		Specification:    types.Specification{Command: []string{"/bin/sleep", "600"}},
		DesiredState:     types.DesiredRunning,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) reportState(t *testing.T, nodeID, deploymentID string, state types.CurrentState, acked uint64) {
	t.Helper()
	h.rec.HandleStatuses(nodeID, []types.DeploymentStatus{{
		DeploymentID:  deploymentID,
		CurrentState:  state,
		RevisionAcked: acked,
	}})
}

func TestPlacementSendsStartAndReserves(t *testing.T) {
	h := newHarness(t)
	sender := h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)

	req := sender.lastReq(t)
	assert.Equal(t, wire.CommandStart, req.Command)
	assert.Equal(t, d.ID, req.DeploymentID)
	assert.Equal(t, uint64(1), req.Revision)

	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.AssignedNodeID)
	assert.Empty(t, got.AssignmentReason)

	avail, err := h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), avail["A"])
}

func TestPlacementFailureRecordsReason(t *testing.T) {
	h := newHarness(t)
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)

	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedNodeID)
	assert.Equal(t, types.ReasonNoEligibleNode, got.AssignmentReason)

	// A node without enough capacity flips the reason.
	h.addNode(t, "n1", types.CapacityVector{"A": 1})
	h.rec.reconcile(d.ID)

	got, err = h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInsufficientCapacity, got.AssignmentReason)
}

func TestSpecChangeSendsUpdate(t *testing.T) {
	h := newHarness(t)
	sender := h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	spec := d.Specification
	spec.Command = []string{"/bin/sleep", "3600"}
	_, err := h.store.Update(d.ID, types.DeploymentPatch{Specification: &spec})
	require.NoError(t, err)

	h.rec.reconcile(d.ID)

	req := sender.lastReq(t)
	assert.Equal(t, wire.CommandUpdate, req.Command)
	assert.Equal(t, uint64(2), req.Revision)
	assert.Equal(t, []string{"/bin/sleep", "3600"}, req.Spec.Command)
}

func TestStopReleasesOnConfirmation(t *testing.T) {
	h := newHarness(t)
	sender := h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	stopped := types.DesiredStopped
	_, err := h.store.Update(d.ID, types.DeploymentPatch{DesiredState: &stopped})
	require.NoError(t, err)

	h.rec.reconcile(d.ID)
	req := sender.lastReq(t)
	assert.Equal(t, wire.CommandStop, req.Command)

	// Reservation stays until the node confirms teardown.
	avail, err := h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), avail["A"])

	h.reportState(t, "n1", d.ID, types.StateStopped, 2)
	h.rec.reconcile(d.ID)

	avail, err = h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["A"])

	// The deployment stays bound to its node for a later restart.
	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.AssignedNodeID)
	asg, stillAssigned := h.assignments.Get(d.ID)
	require.True(t, stillAssigned)
	assert.True(t, asg.Released)

	// A second reconcile must not release twice.
	h.rec.reconcile(d.ID)
	avail, err = h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["A"])
}

func TestRestartAfterStopReclaimsCapacity(t *testing.T) {
	h := newHarness(t)
	sender := h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	stopped := types.DesiredStopped
	_, err := h.store.Update(d.ID, types.DeploymentPatch{DesiredState: &stopped})
	require.NoError(t, err)
	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateStopped, 2)
	h.rec.reconcile(d.ID)

	running := types.DesiredRunning
	_, err = h.store.Update(d.ID, types.DeploymentPatch{DesiredState: &running})
	require.NoError(t, err)
	h.rec.reconcile(d.ID)

	// The reservation is taken again on the same node and the command goes
	// out at the bumped revision.
	avail, err := h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), avail["A"])

	req := sender.lastReq(t)
	assert.Equal(t, wire.CommandUpdate, req.Command)
	assert.Equal(t, uint64(3), req.Revision)

	asg, ok := h.assignments.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, "n1", asg.NodeID)
	assert.False(t, asg.Released)
}

func TestNodeLossReassigns(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	h.registry.Deregister("n1", "connection lost")
	h.rec.handleNodeEvent(registry.Event{Kind: registry.EventNodeLost, NodeID: "n1", Reason: "connection lost"})

	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedNodeID)
	assert.Equal(t, types.ReasonNodeDisconnected, got.AssignmentReason)
	assert.Equal(t, types.StateUnknown, got.CurrentState)

	// With no other node the reason persists.
	h.rec.reconcile(d.ID)
	got, err = h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNoEligibleNode, got.AssignmentReason)

	// A replacement node picks the deployment up.
	sender2 := h.addNode(t, "n2", types.CapacityVector{"A": 10})
	h.rec.reconcile(d.ID)

	req := sender2.lastReq(t)
	assert.Equal(t, wire.CommandStart, req.Command)

	got, err = h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "n2", got.AssignedNodeID)
	assert.Empty(t, got.AssignmentReason)
}

func TestDeleteCancelsThenReaps(t *testing.T) {
	h := newHarness(t)
	sender := h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	require.NoError(t, h.store.Delete(d.ID))
	h.rec.reconcile(d.ID)

	frames := sender.sent()
	var cancel wire.DeploymentCancel
	require.NoError(t, wire.Decode(frames[len(frames)-1], wire.KindDeploymentCancel, &cancel))
	assert.Equal(t, d.ID, cancel.DeploymentID)

	// Name stays reserved while teardown is pending.
	_, err := h.store.Create(&types.Deployment{Name: "web", NodeGroup: "cpu", DesiredState: types.DesiredRunning})
	assert.ErrorIs(t, err, storage.ErrNameConflict)

	h.reportState(t, "n1", d.ID, types.StateStopped, 1)
	h.rec.reconcile(d.ID)

	_, err = h.store.Get(d.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	avail, err := h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["A"])

	// Teardown confirmed and reaped; the name is free again.
	_, err = h.store.Create(&types.Deployment{Name: "web", NodeGroup: "cpu", DesiredState: types.DesiredRunning})
	assert.NoError(t, err)
}

func TestUnackedCommandReissued(t *testing.T) {
	h := newHarness(t)
	sender := h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	require.Len(t, sender.sent(), 1)

	// In-flight and within the timeout: no duplicate send.
	h.rec.reconcile(d.ID)
	assert.Len(t, sender.sent(), 1)

	// Force the timeout and reconcile again.
	h.rec.ackTimeout = -time.Second
	h.rec.reconcile(d.ID)
	assert.Len(t, sender.sent(), 2)
}

func TestStatusFromWrongNodeIgnored(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "n1", types.CapacityVector{"A": 10})
	h.addNode(t, "n2", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	holder := got.AssignedNodeID

	other := "n1"
	if holder == "n1" {
		other = "n2"
	}
	h.reportState(t, other, d.ID, types.StateFailed, 99)

	got, err = h.store.Get(d.ID)
	require.NoError(t, err)
	assert.NotEqual(t, types.StateFailed, got.CurrentState)
}

func TestStaleNodeLossIgnoredAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	// The session drops and the node reconnects before the loss event is
	// consumed. The stale event must not tear down the fresh state.
	h.registry.Deregister("n1", "connection lost")
	h.addNode(t, "n1", types.CapacityVector{"A": 10})
	h.rec.handleNodeEvent(registry.Event{Kind: registry.EventNodeLost, NodeID: "n1", Reason: "connection lost"})

	avail, err := h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), avail["A"])

	asg, ok := h.assignments.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, "n1", asg.NodeID)

	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.AssignedNodeID)
}

// restart rebuilds the in-memory side of the harness over the same store and
// registry, the way a conductor restart leaves only persisted state behind.
func (h *harness) restart(t *testing.T, totals map[string]types.CapacityVector) {
	t.Helper()
	h.assignments = NewAssignments()
	h.ledger = capacity.NewLedger()
	for nodeID, total := range totals {
		h.ledger.AddNode(nodeID, total)
	}
	sched := scheduler.NewScheduler(h.registry, h.ledger, h.assignments)
	h.rec = New(h.store, h.registry, h.ledger, sched, h.assignments, h.broker, time.Second)
}

func TestRestartAdoptsPersistedPlacement(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "n1", types.CapacityVector{"A": 10})
	h.addNode(t, "n2", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	got, err := h.store.Get(d.ID)
	require.NoError(t, err)
	holder := got.AssignedNodeID
	require.NotEmpty(t, holder)
	other := "n1"
	if holder == "n1" {
		other = "n2"
	}
	h.reportState(t, holder, d.ID, types.StateRunning, 1)
	sentBefore := len(h.senders[other].sent())

	h.restart(t, map[string]types.CapacityVector{
		"n1": {"A": 10},
		"n2": {"A": 10},
	})
	h.rec.reconcile(d.ID)

	// The persisted binding is adopted, not re-placed on the other node.
	asg, ok := h.assignments.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, holder, asg.NodeID)
	assert.False(t, asg.Released)

	avail, err := h.ledger.Available(holder)
	require.NoError(t, err)
	assert.Equal(t, int64(7), avail["A"])

	got, err = h.store.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, holder, got.AssignedNodeID)
	assert.Len(t, h.senders[other].sent(), sentBefore)

	req := h.senders[holder].lastReq(t)
	assert.Equal(t, wire.CommandStart, req.Command)
	assert.Equal(t, d.ID, req.DeploymentID)
}

func TestRestartAdoptsStoppedBindingWithoutReserving(t *testing.T) {
	h := newHarness(t)
	h.addNode(t, "n1", types.CapacityVector{"A": 10})
	d := h.create(t, "web", types.CapacityVector{"A": 3})

	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateRunning, 1)

	stopped := types.DesiredStopped
	_, err := h.store.Update(d.ID, types.DeploymentPatch{DesiredState: &stopped})
	require.NoError(t, err)
	h.rec.reconcile(d.ID)
	h.reportState(t, "n1", d.ID, types.StateStopped, 2)
	h.rec.reconcile(d.ID)

	h.restart(t, map[string]types.CapacityVector{"n1": {"A": 10}})
	h.rec.reconcile(d.ID)

	// Stopped deployments stay bound to their node but hold no capacity.
	asg, ok := h.assignments.Get(d.ID)
	require.True(t, ok)
	assert.Equal(t, "n1", asg.NodeID)
	assert.True(t, asg.Released)

	avail, err := h.ledger.Available("n1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail["A"])
}
