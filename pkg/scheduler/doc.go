/*
Package scheduler places deployments onto nodes.

Placement is deterministic. A node is eligible when it is connected, belongs
to the deployment's node group, declares every requested capacity label, and
has enough available on each. Among eligible nodes the scheduler minimizes

	score(N) = max over requested labels K of (N.reserved[K] + request[K]) / N.total[K]

so load spreads across the group instead of piling onto the first node. Ties
break on fewer current assignments, then the smallest node id.

The scheduler proposes; the capacity ledger commits. A lost try_reserve race
refreshes the candidate set and retries a bounded number of times. Running
deployments are never preempted to make room.
*/
package scheduler
