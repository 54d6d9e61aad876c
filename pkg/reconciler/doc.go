/*
Package reconciler converges observed cluster state onto desired state.

The loop is edge-triggered with a periodic sweep. Store changes, node
liveness events and node status reports each enqueue work; the sweep
re-reads every record so that any notification dropped from a bounded queue
is recovered within one interval.

Transitions handled per deployment:

  - desired RUNNING, unassigned: schedule, reserve capacity, send START
  - desired RUNNING, revision ahead of node ack: send UPDATE
  - desired STOPPED, assigned: send STOP; release the reservation once the
    node confirms teardown
  - node lost: release everything it held, mark affected deployments
    UNKNOWN with reason node-disconnected, re-place on the next pass
  - tombstoned: send CANCEL, release on confirmation, then reap the record

Commands unacknowledged past the ack timeout are reissued. All transitions
flow through a single goroutine, so per-deployment ordering needs no locks.
*/
package reconciler
