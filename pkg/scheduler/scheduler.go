package scheduler

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/types"
)

// commitRetries bounds how often a lost try_reserve race is retried before
// giving up with no-capacity.
const commitRetries = 3

// AssignmentIndex exposes the live deployment -> node relation to the
// scheduler for tie-breaking and the already-placed check.
type AssignmentIndex interface {
	// NodeFor returns the node currently holding the deployment, if any.
	NodeFor(deploymentID string) (string, bool)
	// CountForNode returns how many deployments a node currently holds.
	CountForNode(nodeID string) int
}

// Scheduler selects a node for an unassigned deployment. It proposes; the
// capacity ledger decides.
type Scheduler struct {
	registry    *registry.Registry
	ledger      *capacity.Ledger
	assignments AssignmentIndex
	logger      zerolog.Logger
}

// NewScheduler creates a scheduler over the given registry and ledger.
func NewScheduler(reg *registry.Registry, ledger *capacity.Ledger, assignments AssignmentIndex) *Scheduler {
	return &Scheduler{
		registry:    reg,
		ledger:      ledger,
		assignments: assignments,
		logger:      log.WithComponent("scheduler"),
	}
}

// Place picks a node for the deployment and commits the capacity
// reservation. On success it returns the chosen node id; otherwise the empty
// string plus an assignment reason for the record.
func (s *Scheduler) Place(d *types.Deployment) (nodeID, reason string) {
	candidates := s.registry.NodesInGroup(d.NodeGroup)
	if len(candidates) == 0 {
		return "", types.ReasonNoEligibleNode
	}

	for attempt := 0; attempt <= commitRetries; attempt++ {
		eligible := s.eligible(d, candidates)
		if len(eligible) == 0 {
			return "", types.ReasonInsufficientCapacity
		}

		best := s.pick(d, eligible)
		err := s.ledger.TryReserve(best.NodeID, d.CapacityRequests)
		if err == nil {
			s.logger.Info().
				Str("deployment_id", d.ID).
				Str("node_id", best.NodeID).
				Int("attempt", attempt).
				Msg("placement committed")
			return best.NodeID, ""
		}
		if !errors.Is(err, capacity.ErrInsufficient) {
			// Node vanished between snapshot and commit.
			s.logger.Debug().Err(err).Str("node_id", best.NodeID).Msg("reserve failed, recomputing")
		}
		// Lost the race; refresh the candidate set and try again.
		candidates = s.registry.NodesInGroup(d.NodeGroup)
		if len(candidates) == 0 {
			return "", types.ReasonNoEligibleNode
		}
	}

	return "", types.ReasonNoCapacity
}

// eligible filters candidates per the placement contract: connected, group
// member, every requested label declared with enough available, and not
// already holding this deployment at the current revision.
func (s *Scheduler) eligible(d *types.Deployment, candidates []types.NodeInfo) []types.NodeInfo {
	var out []types.NodeInfo
	for _, n := range candidates {
		if n.State != types.NodeConnected {
			continue
		}
		if holder, ok := s.assignments.NodeFor(d.ID); ok && holder == n.NodeID {
			continue
		}
		avail, err := s.ledger.Available(n.NodeID)
		if err != nil {
			continue
		}
		fits := true
		for label, req := range d.CapacityRequests {
			total, declared := n.CapacitiesTotal[label]
			if !declared || req > total || req > avail[label] {
				fits = false
				break
			}
		}
		if fits {
			out = append(out, n)
		}
	}
	return out
}

// pick returns the eligible node minimizing the normalized load metric
// max over requested labels of (reserved + request) / total. Ties go to the
// node with fewer assignments, then the lexicographically smallest node id.
func (s *Scheduler) pick(d *types.Deployment, eligible []types.NodeInfo) types.NodeInfo {
	best := eligible[0]
	bestScore := s.score(d, best)
	for _, n := range eligible[1:] {
		sc := s.score(d, n)
		if sc < bestScore {
			best, bestScore = n, sc
			continue
		}
		if sc > bestScore {
			continue
		}
		bc, nc := s.assignments.CountForNode(best.NodeID), s.assignments.CountForNode(n.NodeID)
		if nc < bc || (nc == bc && n.NodeID < best.NodeID) {
			best, bestScore = n, sc
		}
	}
	return best
}

func (s *Scheduler) score(d *types.Deployment, n types.NodeInfo) float64 {
	reserved, err := s.ledger.Reserved(n.NodeID)
	if err != nil {
		return 2 // worse than any feasible score
	}
	score := 0.0
	for label, req := range d.CapacityRequests {
		total := n.CapacitiesTotal[label]
		if total <= 0 {
			return 2
		}
		v := float64(reserved[label]+req) / float64(total)
		if v > score {
			score = v
		}
	}
	return score
}
