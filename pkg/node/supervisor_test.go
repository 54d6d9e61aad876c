package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

func startReq(id string, revision uint64, command ...string) wire.DeploymentReq {
	return wire.DeploymentReq{
		Command:      wire.CommandStart,
		DeploymentID: id,
		Revision:     revision,
		Kind:         types.KindExec,
		DesiredState: types.DesiredRunning,
		Spec:         types.Specification{Command: command, ReadyAfterMs: 50},
	}
}

func statusOf(s *Supervisor, id string) (types.DeploymentStatus, bool) {
	for _, st := range s.Statuses() {
		if st.DeploymentID == id {
			return st, true
		}
	}
	return types.DeploymentStatus{}, false
}

func waitSupervisorState(t *testing.T, s *Supervisor, id string, want types.CurrentState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := statusOf(s, id)
		return ok && st.CurrentState == want
	}, 10*time.Second, 20*time.Millisecond, "deployment %s never reached %s", id, want)
}

func TestSupervisorStartAndReport(t *testing.T) {
	s := NewSupervisor(nil, nil)

	s.Apply(startReq("d1", 1, "/bin/sleep", "30"))
	waitSupervisorState(t, s, "d1", types.StateRunning)

	st, ok := statusOf(s, "d1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.RevisionAcked)

	s.StopAll()
	waitSupervisorState(t, s, "d1", types.StateStopped)
}

func TestSupervisorIgnoresStaleRevisions(t *testing.T) {
	s := NewSupervisor(nil, nil)

	s.Apply(startReq("d1", 3, "/bin/sleep", "30"))
	waitSupervisorState(t, s, "d1", types.StateRunning)

	// A replayed older command must not touch the deployment.
	stale := startReq("d1", 2, "/bin/sh", "-c", "exit 1")
	stale.Command = wire.CommandUpdate
	s.Apply(stale)

	time.Sleep(200 * time.Millisecond)
	st, ok := statusOf(s, "d1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), st.RevisionAcked)
	assert.Equal(t, types.StateRunning, st.CurrentState)

	s.StopAll()
	waitSupervisorState(t, s, "d1", types.StateStopped)
}

func TestSupervisorStopAlwaysApplies(t *testing.T) {
	s := NewSupervisor(nil, nil)

	s.Apply(startReq("d1", 5, "/bin/sleep", "30"))
	waitSupervisorState(t, s, "d1", types.StateRunning)

	// STOP with a stale revision still stops the workload.
	s.Apply(wire.DeploymentReq{
		Command:      wire.CommandStop,
		DeploymentID: "d1",
		Revision:     1,
	})
	waitSupervisorState(t, s, "d1", types.StateStopped)
}

func TestSupervisorCancelReportsOnceThenReaps(t *testing.T) {
	s := NewSupervisor(nil, nil)

	s.Apply(startReq("d1", 1, "/bin/sleep", "30"))
	waitSupervisorState(t, s, "d1", types.StateRunning)

	s.Cancel("d1")
	waitSupervisorState(t, s, "d1", types.StateStopped)

	// The terminal status stays visible until explicitly reaped.
	_, ok := statusOf(s, "d1")
	assert.True(t, ok)

	s.ReapCanceled()
	_, ok = statusOf(s, "d1")
	assert.False(t, ok)

	// Canceling an unknown deployment is a no-op.
	s.Cancel("d1")
}

func TestSupervisorLogSubscription(t *testing.T) {
	forwarded := make(chan types.LogEntry, 64)
	s := NewSupervisor(nil, func(id string, e types.LogEntry) {
		if id == "d1" {
			forwarded <- e
		}
	})

	s.Apply(startReq("d1", 1, "/bin/sh", "-c", "echo first; sleep 30"))
	waitSupervisorState(t, s, "d1", types.StateRunning)

	// Nothing is forwarded before a subscription exists.
	assert.Empty(t, forwarded)

	backfill := s.Subscribe("d1", 10)
	require.NotEmpty(t, backfill)
	assert.Equal(t, "first", backfill[len(backfill)-1].Line)

	s.StopAll()
	waitSupervisorState(t, s, "d1", types.StateStopped)

	// The stop signal line is forwarded live to the subscriber.
	require.Eventually(t, func() bool {
		select {
		case e := <-forwarded:
			return e.Stream == types.StreamSystem
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}
