/*
Package registry tracks the fleet of currently-connected nodes.

One record exists per live session, created when a NodeHello is accepted and
removed when the session terminates. Liveness is derived from heartbeat age
against the node's declared interval: fresh nodes are connected, nodes past
3x the interval are stale (assignable but not picked for new placements),
and nodes past 10x are disconnected and swept.

Registration and loss are surfaced on a bounded event queue consumed by the
reconciler; a dropped event is healed by the reconciler's periodic sweep.
*/
package registry
