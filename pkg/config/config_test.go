package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symphony.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConductorDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mode: conductor\n"))
	require.NoError(t, err)

	assert.Equal(t, ModeConductor, cfg.Mode)
	assert.Equal(t, ":50051", cfg.Conductor.Listen)
	assert.Equal(t, ":8080", cfg.Conductor.HTTPListen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 2*time.Second, cfg.Conductor.SweepInterval())
}

func TestLoadNode(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mode: node
node:
  node_id: n1
  conductor_addr: conductor:50051
  groups: [default, gpu]
  capacities_total:
    slots: 4
    vram_mb: 24000
  heartbeat_sec: 5
`))
	require.NoError(t, err)

	assert.Equal(t, ModeNode, cfg.Mode)
	assert.Equal(t, "n1", cfg.Node.NodeID)
	assert.Equal(t, []string{"default", "gpu"}, cfg.Node.Groups)
	assert.EqualValues(t, 24000, cfg.Node.CapacitiesTotal["vram_mb"])
	assert.Equal(t, 5*time.Second, cfg.Node.HeartbeatInterval())
}

func TestLoadNodeValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing node_id",
			yaml:    "mode: node\nnode:\n  conductor_addr: c:1\n  groups: [default]\n",
			wantErr: "node.node_id",
		},
		{
			name:    "missing conductor_addr",
			yaml:    "mode: node\nnode:\n  node_id: n1\n  groups: [default]\n",
			wantErr: "node.conductor_addr",
		},
		{
			name:    "missing groups",
			yaml:    "mode: node\nnode:\n  node_id: n1\n  conductor_addr: c:1\n",
			wantErr: "node.groups",
		},
		{
			name: "non-positive capacity",
			yaml: "mode: node\nnode:\n  node_id: n1\n  conductor_addr: c:1\n" +
				"  groups: [default]\n  capacities_total:\n    slots: 0\n",
			wantErr: `capacity "slots" must be positive`,
		},
		{
			name:    "unknown mode",
			yaml:    "mode: sidecar\n",
			wantErr: "unknown mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestHeartbeatClamping(t *testing.T) {
	n := NodeConfig{HeartbeatSec: 0.2}
	assert.Equal(t, MinHeartbeat, n.HeartbeatInterval())

	n.HeartbeatSec = 120
	assert.Equal(t, MaxHeartbeat, n.HeartbeatInterval())
}

func TestSweepIntervalClamping(t *testing.T) {
	c := ConductorConfig{SweepIntervalSec: 0.1}
	assert.Equal(t, time.Second, c.SweepInterval())

	c.SweepIntervalSec = 60
	assert.Equal(t, 5*time.Second, c.SweepInterval())
}
