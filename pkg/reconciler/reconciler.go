package reconciler

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/events"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/metrics"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/scheduler"
	"github.com/ttheew/symphony/pkg/storage"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

const (
	// commandAckTimeout is how long an in-flight node command may stay
	// unacknowledged before the reconciler reissues it.
	commandAckTimeout = 30 * time.Second

	// queueCapacity bounds the pending work set. A dropped enqueue is
	// healed by the next sweep.
	queueCapacity = 1024
)

// Reconciler drives observed state toward desired state. It is the only
// writer of assignments and the only sender of deployment commands, and it
// processes one deployment at a time, so per-deployment transitions are
// serialized.
type Reconciler struct {
	store       storage.Store
	registry    *registry.Registry
	ledger      *capacity.Ledger
	sched       *scheduler.Scheduler
	assignments *Assignments
	broker      *events.Broker
	logger      zerolog.Logger

	sweepInterval time.Duration
	ackTimeout    time.Duration

	queue   chan string
	stopCh  chan struct{}
	doneCh  chan struct{}
	fatalCh chan error
}

// New creates a reconciler. Start must be called to begin processing.
func New(store storage.Store, reg *registry.Registry, ledger *capacity.Ledger, sched *scheduler.Scheduler, assignments *Assignments, broker *events.Broker, sweepInterval time.Duration) *Reconciler {
	return &Reconciler{
		store:         store,
		registry:      reg,
		ledger:        ledger,
		sched:         sched,
		assignments:   assignments,
		broker:        broker,
		logger:        log.WithComponent("reconciler"),
		sweepInterval: sweepInterval,
		ackTimeout:    commandAckTimeout,
		queue:         make(chan string, queueCapacity),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		fatalCh:       make(chan error, 1),
	}
}

// Start launches the reconcile loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop terminates the reconcile loop and waits for it to drain.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Fatal delivers at most one unrecoverable error, such as store corruption.
// The owner is expected to shut the process down.
func (r *Reconciler) Fatal() <-chan error {
	return r.fatalCh
}

func (r *Reconciler) fatal(err error) {
	select {
	case r.fatalCh <- err:
	default:
	}
}

// Enqueue schedules a deployment for reconciliation. It never blocks; a full
// queue relies on the next sweep.
func (r *Reconciler) Enqueue(deploymentID string) {
	select {
	case r.queue <- deploymentID:
	default:
		r.logger.Debug().Str("deployment_id", deploymentID).Msg("queue full, deferring to sweep")
	}
}

// HandleStatuses ingests a node's per-deployment status report. Sessions call
// this for every status list frame.
func (r *Reconciler) HandleStatuses(nodeID string, statuses []types.DeploymentStatus) {
	for _, st := range statuses {
		if asg, ok := r.assignments.Get(st.DeploymentID); ok && asg.NodeID == nodeID {
			r.assignments.Ack(st.DeploymentID, st.RevisionAcked)
		}

		updated, err := r.store.UpdateStatus(st.DeploymentID, func(d *types.Deployment) {
			if d.AssignedNodeID != nodeID {
				return
			}
			if d.CurrentState != st.CurrentState {
				d.CurrentState = st.CurrentState
			}
		})
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				r.logger.Error().Err(err).Str("deployment_id", st.DeploymentID).Msg("failed to record status")
			}
			continue
		}

		if updated.CurrentState == types.StateFailed {
			r.broker.Publish(&events.Event{
				Type:         events.EventDeploymentFailed,
				DeploymentID: st.DeploymentID,
				NodeID:       nodeID,
			})
		} else {
			r.broker.Publish(&events.Event{
				Type:         events.EventDeploymentUpdated,
				DeploymentID: st.DeploymentID,
				NodeID:       nodeID,
				Metadata:     map[string]string{"current_state": string(updated.CurrentState)},
			})
		}

		r.Enqueue(st.DeploymentID)
	}
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case id := <-r.queue:
			r.reconcile(id)
		case id := <-r.store.Changes():
			r.reconcile(id)
		case ev := <-r.registry.Events():
			r.handleNodeEvent(ev)
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep re-derives the full picture: expired sessions are closed, stale
// commands reissued, and every record re-reconciled. Any event dropped from
// a bounded queue is recovered here.
func (r *Reconciler) sweep() {
	started := time.Now()
	metrics.ReconcileCyclesTotal.Inc()

	for _, nodeID := range r.registry.Expired() {
		if sender, ok := r.registry.Sender(nodeID); ok {
			sender.Close("heartbeat expired")
		}
		r.registry.Deregister(nodeID, "heartbeat expired")
	}

	for _, asg := range r.assignments.StalePending(r.ackTimeout.Milliseconds()) {
		metrics.CommandTimeoutsTotal.Inc()
		r.logger.Warn().
			Str("deployment_id", asg.DeploymentID).
			Str("node_id", asg.NodeID).
			Msg("command unacknowledged, reissuing")
		r.reconcile(asg.DeploymentID)
	}

	all, err := r.store.ListAll()
	if err != nil {
		r.logger.Error().Err(err).Msg("sweep failed to list deployments")
		if errors.Is(err, storage.ErrCorrupt) {
			r.fatal(err)
		}
		return
	}
	for _, d := range all {
		r.reconcile(d.ID)
	}

	// Drain node events that arrived during the sweep walk.
	for {
		select {
		case ev := <-r.registry.Events():
			r.handleNodeEvent(ev)
		default:
			metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
			return
		}
	}
}

func (r *Reconciler) handleNodeEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventNodeConnected:
		r.broker.Publish(&events.Event{Type: events.EventNodeConnected, NodeID: ev.NodeID})
		// A new node may unblock pending placements.
		r.enqueueAll()

	case registry.EventNodeLost:
		// The event can sit in the queue while the node reconnects; the new
		// session has already re-registered and the ledger entry it carries
		// must survive. The loss was transient, nothing to tear down.
		if _, ok := r.registry.Sender(ev.NodeID); ok {
			r.logger.Info().Str("node_id", ev.NodeID).Msg("node reconnected before loss was processed")
			return
		}
		r.ledger.RemoveNode(ev.NodeID)
		for _, asg := range r.assignments.ForNode(ev.NodeID) {
			r.assignments.Remove(asg.DeploymentID)
			_, err := r.store.UpdateStatus(asg.DeploymentID, func(d *types.Deployment) {
				d.AssignedNodeID = ""
				d.AssignmentReason = types.ReasonNodeDisconnected
				d.CurrentState = types.StateUnknown
			})
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				r.logger.Error().Err(err).Str("deployment_id", asg.DeploymentID).Msg("failed to record node loss")
			}
			r.Enqueue(asg.DeploymentID)
		}
		r.broker.Publish(&events.Event{Type: events.EventNodeLost, NodeID: ev.NodeID, Message: ev.Reason})
	}
}

func (r *Reconciler) enqueueAll() {
	all, err := r.store.ListAll()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list deployments")
		return
	}
	for _, d := range all {
		r.Enqueue(d.ID)
	}
}

func (r *Reconciler) reconcile(id string) {
	d, err := r.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if asg, ok := r.assignments.Remove(id); ok && !asg.Released {
				r.ledger.Release(asg.NodeID, asg.Requests)
			}
			return
		}
		r.logger.Error().Err(err).Str("deployment_id", id).Msg("failed to load deployment")
		if errors.Is(err, storage.ErrCorrupt) {
			r.fatal(err)
		}
		return
	}

	if d.Deleted {
		r.reconcileDeleted(d)
		return
	}

	switch d.DesiredState {
	case types.DesiredRunning:
		r.reconcileRunning(d)
	case types.DesiredStopped:
		r.reconcileStopped(d)
	}
}

// adopt rebuilds the in-memory binding for a record that was placed before a
// conductor restart. The persisted node must still be connected; bindings in
// a terminal state are adopted without a reservation, matching a confirmed
// stop.
func (r *Reconciler) adopt(d *types.Deployment) (Assignment, bool) {
	if _, ok := r.registry.Sender(d.AssignedNodeID); !ok {
		return Assignment{}, false
	}
	terminal := d.CurrentState == types.StateStopped || d.CurrentState == types.StateFailed
	if !terminal {
		if err := r.ledger.TryReserve(d.AssignedNodeID, d.CapacityRequests); err != nil {
			return Assignment{}, false
		}
	}
	r.assignments.Assign(d.ID, d.AssignedNodeID, d.CapacityRequests)
	if terminal {
		r.assignments.SetReleased(d.ID, true)
	}
	r.logger.Info().
		Str("deployment_id", d.ID).
		Str("node_id", d.AssignedNodeID).
		Msg("adopted existing placement")
	return r.assignments.Get(d.ID)
}

func (r *Reconciler) reconcileRunning(d *types.Deployment) {
	asg, assigned := r.assignments.Get(d.ID)
	if !assigned && d.AssignedNodeID != "" {
		if asg, assigned = r.adopt(d); !assigned {
			if _, connected := r.registry.Sender(d.AssignedNodeID); connected {
				// The recorded node still holds the workload but its
				// reservation could not be rebuilt yet. Placing a second
				// copy elsewhere would duplicate it; the sweep retries.
				return
			}
		}
	}
	if !assigned {
		r.place(d)
		return
	}

	// A stopped deployment keeps its node; restarting needs the reservation
	// back first. If the node can no longer fit it, fall back to placement.
	if asg.Released {
		if err := r.ledger.TryReserve(asg.NodeID, asg.Requests); err != nil {
			r.assignments.Remove(d.ID)
			r.place(d)
			return
		}
		r.assignments.SetReleased(d.ID, false)
	}

	if asg.RevisionAcked >= d.SpecRevision {
		return
	}
	if asg.AwaitingAck && types.NowMs()-asg.SentAtMs <= r.ackTimeout.Milliseconds() {
		return
	}

	cmd := wire.CommandUpdate
	if asg.RevisionAcked == 0 {
		cmd = wire.CommandStart
	}
	r.sendDeploymentReq(asg.NodeID, cmd, d)
}

func (r *Reconciler) reconcileStopped(d *types.Deployment) {
	asg, assigned := r.assignments.Get(d.ID)
	if !assigned && d.AssignedNodeID != "" {
		asg, assigned = r.adopt(d)
	}
	if !assigned {
		// Never placed or already torn down; the record is simply stopped.
		if d.CurrentState != types.StateStopped && d.CurrentState != types.StateFailed {
			_, err := r.store.UpdateStatus(d.ID, func(d *types.Deployment) {
				d.CurrentState = types.StateStopped
			})
			if err != nil {
				r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to mark stopped")
			}
		}
		return
	}

	// The node confirmed the stop: return the reservation but keep the
	// deployment bound to its node for a later restart.
	if d.CurrentState == types.StateStopped || d.CurrentState == types.StateFailed {
		if !asg.Released {
			r.ledger.Release(asg.NodeID, asg.Requests)
			r.assignments.SetReleased(d.ID, true)
		}
		return
	}

	if asg.RevisionAcked >= d.SpecRevision {
		return
	}
	if asg.AwaitingAck && types.NowMs()-asg.SentAtMs <= r.ackTimeout.Milliseconds() {
		return
	}
	r.sendDeploymentReq(asg.NodeID, wire.CommandStop, d)
}

func (r *Reconciler) reconcileDeleted(d *types.Deployment) {
	asg, assigned := r.assignments.Get(d.ID)
	if !assigned && d.AssignedNodeID != "" {
		// A tombstone from before a conductor restart may still have its
		// workload running; teardown must go through the node first.
		asg, assigned = r.adopt(d)
	}
	if !assigned {
		if err := r.store.Reap(d.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to reap deployment")
			return
		}
		r.broker.Publish(&events.Event{Type: events.EventDeploymentDeleted, DeploymentID: d.ID})
		return
	}

	// Teardown confirmed: release capacity and remove the tombstone.
	if d.CurrentState == types.StateStopped || d.CurrentState == types.StateFailed {
		r.assignments.Remove(d.ID)
		if !asg.Released {
			r.ledger.Release(asg.NodeID, asg.Requests)
		}
		if err := r.store.Reap(d.ID); err != nil {
			r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to reap deployment")
			return
		}
		r.broker.Publish(&events.Event{Type: events.EventDeploymentDeleted, DeploymentID: d.ID})
		return
	}

	if asg.AwaitingAck && types.NowMs()-asg.SentAtMs <= r.ackTimeout.Milliseconds() {
		return
	}
	r.sendCancel(asg.NodeID, d)
}

func (r *Reconciler) place(d *types.Deployment) {
	nodeID, reason := r.sched.Place(d)
	if reason != "" {
		metrics.PlacementFailuresTotal.WithLabelValues(reason).Inc()
		if d.AssignmentReason != reason {
			_, err := r.store.UpdateStatus(d.ID, func(d *types.Deployment) {
				d.AssignmentReason = reason
			})
			if err != nil {
				r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to record placement failure")
			}
			r.broker.Publish(&events.Event{
				Type:         events.EventDeploymentFailed,
				DeploymentID: d.ID,
				Message:      reason,
			})
		}
		return
	}

	r.assignments.Assign(d.ID, nodeID, d.CapacityRequests)
	updated, err := r.store.UpdateStatus(d.ID, func(d *types.Deployment) {
		d.AssignedNodeID = nodeID
		d.AssignmentReason = ""
	})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to record placement")
		return
	}

	metrics.PlacementsTotal.Inc()
	r.broker.Publish(&events.Event{
		Type:         events.EventDeploymentPlaced,
		DeploymentID: d.ID,
		NodeID:       nodeID,
	})
	r.sendDeploymentReq(nodeID, wire.CommandStart, updated)
}

func (r *Reconciler) sendDeploymentReq(nodeID string, cmd wire.Command, d *types.Deployment) {
	frame, err := wire.Encode(wire.KindDeploymentReq, wire.DeploymentReq{
		Command:      cmd,
		DeploymentID: d.ID,
		Revision:     d.SpecRevision,
		Kind:         d.Kind,
		DesiredState: d.DesiredState,
		Spec:         d.Specification,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to encode command")
		return
	}
	r.send(nodeID, d.ID, d.SpecRevision, frame)
}

func (r *Reconciler) sendCancel(nodeID string, d *types.Deployment) {
	frame, err := wire.Encode(wire.KindDeploymentCancel, wire.DeploymentCancel{DeploymentID: d.ID})
	if err != nil {
		r.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("failed to encode cancel")
		return
	}
	r.send(nodeID, d.ID, d.SpecRevision, frame)
}

func (r *Reconciler) send(nodeID, deploymentID string, revision uint64, frame *wire.Frame) {
	sender, ok := r.registry.Sender(nodeID)
	if !ok {
		// Session already gone; the node-lost event reassigns.
		return
	}
	if err := sender.Send(frame); err != nil {
		r.logger.Warn().Err(err).
			Str("node_id", nodeID).
			Str("deployment_id", deploymentID).
			Msg("failed to send command, closing session")
		sender.Close("slow-consumer")
		return
	}
	r.assignments.MarkSent(deploymentID, revision)
}
