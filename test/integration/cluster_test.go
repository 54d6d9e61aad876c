//go:build integration

// Package integration runs a conductor and a node agent in-process, over
// real mutually-authenticated websocket streams, and drives deployments
// through the public HTTP API. Run with:
//
//	go test -tags integration ./test/integration/...
package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttheew/symphony/pkg/api"
	"github.com/ttheew/symphony/pkg/client"
	"github.com/ttheew/symphony/pkg/conductor"
	"github.com/ttheew/symphony/pkg/config"
	"github.com/ttheew/symphony/pkg/node"
	"github.com/ttheew/symphony/pkg/security"
	"github.com/ttheew/symphony/pkg/types"
)

const (
	nodeID    = "it-node-1"
	nodeGroup = "default"
	waitLong  = 30 * time.Second
	waitTick  = 100 * time.Millisecond
)

type cluster struct {
	conductor *conductor.Conductor
	agent     *node.Agent
	client    *client.Client
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

// startCluster boots a one-node cluster on loopback and waits for the node
// to register.
func startCluster(t *testing.T) *cluster {
	t.Helper()

	streamAddr := freePort(t)
	httpAddr := freePort(t)
	certDir := filepath.Join(t.TempDir(), "certs")

	c, err := conductor.New(config.ConductorConfig{
		Listen:           streamAddr,
		HTTPListen:       httpAddr,
		DataDir:          t.TempDir(),
		CertDir:          certDir,
		SweepIntervalSec: 1,
	})
	require.NoError(t, err)
	conductorDone := make(chan error, 1)
	go func() { conductorDone <- c.Run() }()
	t.Cleanup(func() {
		c.Stop()
		if err := <-conductorDone; err != nil {
			t.Errorf("conductor exited: %v", err)
		}
	})

	agent := node.NewAgent(config.NodeConfig{
		NodeID:          nodeID,
		ConductorAddr:   streamAddr,
		Groups:          []string{nodeGroup},
		CapacitiesTotal: map[string]int64{"slots": 4},
		HeartbeatSec:    1,
		TLS: config.TLSConfig{
			CertFile: filepath.Join(certDir, security.ClientCertFileName),
			KeyFile:  filepath.Join(certDir, security.ClientKeyFileName),
			CAFile:   filepath.Join(certDir, security.CAFileName),
		},
	})
	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run() }()
	t.Cleanup(func() {
		agent.Stop()
		if err := <-agentDone; err != nil {
			t.Errorf("agent exited: %v", err)
		}
	})

	cli := client.NewClient(httpAddr)
	require.Eventually(t, func() bool {
		nodes, err := cli.ListNodes()
		if err != nil || len(nodes) != 1 {
			return false
		}
		return nodes[0].State == types.NodeConnected
	}, waitLong, waitTick, "node never registered")

	return &cluster{conductor: c, agent: agent, client: cli}
}

func (cl *cluster) waitState(t *testing.T, id string, want types.CurrentState) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := cl.client.GetDeployment(id)
		return err == nil && d.CurrentState == want
	}, waitLong, waitTick, "deployment %s never reached %s", id, want)
}

func (cl *cluster) reservedSlots(t *testing.T) int64 {
	t.Helper()
	nodes, err := cl.client.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	return nodes[0].CapacityReserved["slots"]
}

func TestDeploymentLifecycle(t *testing.T) {
	cl := startCluster(t)

	d, err := cl.client.CreateDeployment(api.CreateDeploymentRequest{
		Name:             "sleeper",
		Kind:             types.KindExec,
		NodeGroup:        nodeGroup,
		CapacityRequests: types.CapacityVector{"slots": 1},
		DesiredState:     types.DesiredRunning,
		Specification: types.Specification{
			Command:      []string{"/bin/sleep", "300"},
			ReadyAfterMs: 100,
		},
	})
	require.NoError(t, err)

	cl.waitState(t, d.ID, types.StateRunning)

	got, err := cl.client.GetDeployment(d.ID)
	require.NoError(t, err)
	assert.Equal(t, nodeID, got.AssignedNodeID)
	assert.EqualValues(t, 1, cl.reservedSlots(t))

	// Flip to STOPPED: the workload terminates and its capacity is freed.
	_, err = cl.client.SetDesiredState(d.ID, types.DesiredStopped)
	require.NoError(t, err)
	cl.waitState(t, d.ID, types.StateStopped)
	require.Eventually(t, func() bool {
		return cl.reservedSlots(t) == 0
	}, waitLong, waitTick, "capacity never released")

	// A stopped deployment stays bound to its node.
	got, err = cl.client.GetDeployment(d.ID)
	require.NoError(t, err)
	assert.Equal(t, nodeID, got.AssignedNodeID)

	// Flip back to RUNNING: the workload restarts on the same node.
	_, err = cl.client.SetDesiredState(d.ID, types.DesiredRunning)
	require.NoError(t, err)
	cl.waitState(t, d.ID, types.StateRunning)

	// Delete tears the workload down and eventually removes the record.
	require.NoError(t, cl.client.DeleteDeployment(d.ID))
	require.Eventually(t, func() bool {
		_, err := cl.client.GetDeployment(d.ID)
		var apiErr *client.APIError
		return errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone)
	}, waitLong, waitTick, "deployment never removed")
	require.Eventually(t, func() bool {
		return cl.reservedSlots(t) == 0
	}, waitLong, waitTick, "capacity never released after delete")
}

func TestPlacementRejectsOversizedRequest(t *testing.T) {
	cl := startCluster(t)

	d, err := cl.client.CreateDeployment(api.CreateDeploymentRequest{
		Name:             "too-big",
		NodeGroup:        nodeGroup,
		CapacityRequests: types.CapacityVector{"slots": 100},
		Specification:    types.Specification{Command: []string{"/bin/sleep", "300"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := cl.client.GetDeployment(d.ID)
		return err == nil && got.AssignmentReason == types.ReasonInsufficientCapacity
	}, waitLong, waitTick, "placement failure never recorded")

	got, err := cl.client.GetDeployment(d.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedNodeID)
	assert.EqualValues(t, 0, cl.reservedSlots(t))
}

func TestLogStreaming(t *testing.T) {
	cl := startCluster(t)

	d, err := cl.client.CreateDeployment(api.CreateDeploymentRequest{
		Name:      "chatty",
		NodeGroup: nodeGroup,
		Specification: types.Specification{
			Command:      []string{"/bin/sh", "-c", "echo hello-from-workload; sleep 300"},
			ReadyAfterMs: 100,
		},
	})
	require.NoError(t, err)
	cl.waitState(t, d.ID, types.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitLong)
	defer cancel()

	found := make(chan struct{})
	go func() {
		_ = cl.client.StreamLogs(ctx, d.ID, 100, func(e types.LogEntry) {
			if e.Line == "hello-from-workload" {
				select {
				case found <- struct{}{}:
				default:
				}
			}
		})
	}()

	select {
	case <-found:
	case <-ctx.Done():
		t.Fatal("log line never arrived")
	}
}

func TestConcurrentDeploymentsStayRunning(t *testing.T) {
	cl := startCluster(t)

	var created []*types.Deployment
	for i := 0; i < 2; i++ {
		d, err := cl.client.CreateDeployment(api.CreateDeploymentRequest{
			Name:          fmt.Sprintf("survivor-%d", i),
			NodeGroup:     nodeGroup,
			Specification: types.Specification{Command: []string{"/bin/sleep", "300"}, ReadyAfterMs: 100},
		})
		require.NoError(t, err)
		created = append(created, d)
	}
	for _, d := range created {
		cl.waitState(t, d.ID, types.StateRunning)
	}

	// Both deployments keep reporting RUNNING across status resyncs.
	time.Sleep(3 * time.Second)
	for _, d := range created {
		got, err := cl.client.GetDeployment(d.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateRunning, got.CurrentState)
		assert.Equal(t, nodeID, got.AssignedNodeID)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	cl := startCluster(t)

	req := api.CreateDeploymentRequest{
		Name:          "unique-name",
		NodeGroup:     nodeGroup,
		Specification: types.Specification{Command: []string{"/bin/sleep", "300"}},
	}
	_, err := cl.client.CreateDeployment(req)
	require.NoError(t, err)

	_, err = cl.client.CreateDeployment(req)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}
