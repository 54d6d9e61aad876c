package node

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

type managed struct {
	runner        *ExecRunner
	revisionAcked uint64
	canceled      bool
}

// Supervisor owns the set of deployments assigned to this node. Commands
// below the acked revision are ignored so a replayed or reordered command
// can never roll a deployment backwards; STOP and CANCEL always apply.
type Supervisor struct {
	logger zerolog.Logger

	// onStatus fires whenever any deployment changes state so the agent
	// can push a fresh status list immediately. onLog receives every
	// captured line for deployments with an active log subscription.
	onStatus func()
	onLog    func(deploymentID string, entry types.LogEntry)

	mu          sync.Mutex
	deployments map[string]*managed
	subscribed  map[string]bool
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(onStatus func(), onLog func(string, types.LogEntry)) *Supervisor {
	return &Supervisor{
		logger:      log.WithComponent("supervisor"),
		onStatus:    onStatus,
		onLog:       onLog,
		deployments: make(map[string]*managed),
		subscribed:  make(map[string]bool),
	}
}

// Apply executes a deployment command from the conductor.
func (s *Supervisor) Apply(req wire.DeploymentReq) {
	s.mu.Lock()
	m, exists := s.deployments[req.DeploymentID]

	if req.Command == wire.CommandStop {
		if !exists {
			s.mu.Unlock()
			return
		}
		if req.Revision > m.revisionAcked {
			m.revisionAcked = req.Revision
		}
		runner := m.runner
		s.mu.Unlock()
		runner.Stop()
		return
	}

	// START and UPDATE are revision-gated.
	if exists && req.Revision <= m.revisionAcked {
		acked := m.revisionAcked
		s.mu.Unlock()
		s.logger.Debug().
			Str("deployment_id", req.DeploymentID).
			Uint64("revision", req.Revision).
			Uint64("acked", acked).
			Msg("ignoring stale command")
		return
	}

	if !exists {
		m = &managed{}
		m.runner = s.newRunner(req.DeploymentID, req.Spec)
		s.deployments[req.DeploymentID] = m
	}
	m.revisionAcked = req.Revision
	m.canceled = false
	runner := m.runner
	wantStopped := req.DesiredState == types.DesiredStopped
	s.mu.Unlock()

	switch {
	case wantStopped:
		runner.SetSpec(req.Spec)
		runner.Stop()
	case req.Command == wire.CommandUpdate && exists:
		runner.Restart(req.Spec)
	default:
		runner.SetSpec(req.Spec)
		runner.Start()
	}
}

// Cancel tears a deployment down ahead of removal. The entry stays visible
// in status reports until its final STOPPED state has been delivered.
func (s *Supervisor) Cancel(deploymentID string) {
	s.mu.Lock()
	m, exists := s.deployments[deploymentID]
	if !exists {
		s.mu.Unlock()
		return
	}
	m.canceled = true
	runner := m.runner
	s.mu.Unlock()
	runner.Stop()
}

// Statuses reports every managed deployment, sorted for stable output.
func (s *Supervisor) Statuses() []types.DeploymentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DeploymentStatus, 0, len(s.deployments))
	for _, m := range s.deployments {
		st := m.runner.Status()
		st.RevisionAcked = m.revisionAcked
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out
}

// ReapCanceled drops canceled deployments that reached a terminal state.
// The agent calls this after their final status has been delivered.
func (s *Supervisor) ReapCanceled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.deployments {
		if !m.canceled {
			continue
		}
		st := m.runner.Status()
		if st.CurrentState == types.StateStopped || st.CurrentState == types.StateFailed {
			delete(s.deployments, id)
			delete(s.subscribed, id)
		}
	}
}

// Subscribe starts forwarding a deployment's log output and returns the
// backfill of the most recent tail entries.
func (s *Supervisor) Subscribe(deploymentID string, tail int) []types.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.deployments[deploymentID]
	if !exists {
		return nil
	}
	s.subscribed[deploymentID] = true
	return m.runner.Ring().Tail(tail)
}

// Unsubscribe stops forwarding a deployment's log output.
func (s *Supervisor) Unsubscribe(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, deploymentID)
}

// StopAll gracefully stops every deployment, used at agent shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	runners := make([]*ExecRunner, 0, len(s.deployments))
	for _, m := range s.deployments {
		runners = append(runners, m.runner)
	}
	s.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}
}

func (s *Supervisor) newRunner(deploymentID string, spec types.Specification) *ExecRunner {
	return NewExecRunner(deploymentID, spec,
		func() {
			if s.onStatus != nil {
				s.onStatus()
			}
		},
		func(entry types.LogEntry) {
			s.mu.Lock()
			forward := s.subscribed[deploymentID]
			s.mu.Unlock()
			if forward && s.onLog != nil {
				s.onLog(deploymentID, entry)
			}
		},
	)
}
