package types

import (
	"time"
)

// DesiredState is the user-requested lifecycle target of a deployment.
type DesiredState string

const (
	DesiredRunning DesiredState = "RUNNING"
	DesiredStopped DesiredState = "STOPPED"
)

// CurrentState is the last-reported lifecycle state of a deployment.
type CurrentState string

const (
	StatePending  CurrentState = "PENDING"
	StateStarting CurrentState = "STARTING"
	StateRunning  CurrentState = "RUNNING"
	StateStopping CurrentState = "STOPPING"
	StateStopped  CurrentState = "STOPPED"
	StateFailed   CurrentState = "FAILED"
	StateUnknown  CurrentState = "UNKNOWN"
)

// DeployKind selects the node-side execution backend.
type DeployKind string

const (
	KindExec   DeployKind = "EXEC"
	KindDocker DeployKind = "DOCKER"
)

// Unassignment reasons surfaced on deployment records.
const (
	ReasonNoEligibleNode       = "no-eligible-node"
	ReasonNoCapacity           = "no-capacity"
	ReasonInsufficientCapacity = "insufficient-capacity"
	ReasonNodeDisconnected     = "node-disconnected"
)

// CapacityVector maps a capacity label to an integer amount. Capacities are
// advisory accounting units, not kernel limits.
type CapacityVector map[string]int64

// Clone returns an independent copy of the vector.
func (v CapacityVector) Clone() CapacityVector {
	out := make(CapacityVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// Deployment is a user-defined long-running workload.
type Deployment struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Kind             DeployKind     `json:"kind"`
	NodeGroup        string         `json:"node_group"`
	CapacityRequests CapacityVector `json:"capacity_requests,omitempty"`
	Specification    Specification  `json:"specification"`
	DesiredState     DesiredState   `json:"desired_state"`
	CurrentState     CurrentState   `json:"current_state"`
	AssignedNodeID   string         `json:"assigned_node_id,omitempty"`
	AssignmentReason string         `json:"assignment_reason,omitempty"`
	SpecRevision     uint64         `json:"spec_revision"`
	CreatedAtMs      int64          `json:"created_at_ms"`
	UpdatedAtMs      int64          `json:"updated_at_ms"`
	Deleted          bool           `json:"deleted,omitempty"` // tombstoned until node teardown confirmed
}

// Specification is the per-kind workload description. The conductor never
// interprets it beyond capacity bookkeeping; node supervisors decode it per
// Kind.
type Specification struct {
	Command       []string          `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WorkDir       string            `json:"work_dir,omitempty"`
	RestartPolicy *RestartPolicy    `json:"restart_policy,omitempty"`
	StopSignal    string            `json:"stop_signal,omitempty"`   // default SIGTERM
	StopGraceMs   int64             `json:"stop_grace_ms,omitempty"` // default 10000
	ReadyAfterMs  int64             `json:"ready_after_ms,omitempty"`
	LogLimitLines int               `json:"log_limit_lines,omitempty"` // default 3000
}

// RestartPolicy controls node-side restarts after a non-zero exit.
// Only "on-failure" is implemented; the type field exists so specs written
// against the schema stay valid.
type RestartPolicy struct {
	Type           string  `json:"type"` // "never" | "on-failure"
	BackoffSeconds float64 `json:"backoff_seconds,omitempty"`
	MaxRestarts    int     `json:"max_restarts,omitempty"`
}

// DeploymentPatch is a partial update to a deployment record. Nil fields are
// left untouched.
type DeploymentPatch struct {
	Name          *string        `json:"name,omitempty"`
	DesiredState  *DesiredState  `json:"desired_state,omitempty"`
	Specification *Specification `json:"specification,omitempty"`
}

// DeploymentStatus is a node-reported per-deployment status line.
type DeploymentStatus struct {
	DeploymentID  string       `json:"deployment_id"`
	CurrentState  CurrentState `json:"current_state"`
	ExitCode      *int         `json:"exit_code,omitempty"`
	RevisionAcked uint64       `json:"revision_acked"`
	StartedAtMs   int64        `json:"started_at_ms,omitempty"`
	StoppedAtMs   int64        `json:"stopped_at_ms,omitempty"`
	RestartCount  int          `json:"restart_count,omitempty"`
}

// RestartEvent records one supervisor-initiated restart.
type RestartEvent struct {
	TimestampMs int64  `json:"ts_ms"`
	Reason      string `json:"reason"`
	ExitCode    *int   `json:"exit_code,omitempty"`
}

// LogEntry is one captured line of workload output.
type LogEntry struct {
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
	Stream          string `json:"stream"` // stdout | stderr | system | system-hc
	Line            string `json:"line"`
}

// Log stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// NodeState describes the liveness of a node session.
type NodeState string

const (
	// NodeConnected nodes have fresh heartbeats and are placement targets.
	NodeConnected NodeState = "connected"
	// NodeStale nodes missed 3x their heartbeat interval. They keep their
	// assignments but are not picked for new placements.
	NodeStale NodeState = "stale"
	// NodeDisconnected nodes missed 10x their heartbeat interval or hit a
	// transport error. Their assignments are released after a grace window.
	NodeDisconnected NodeState = "disconnected"
)

// NodeInfo is the registry's view of one connected node.
type NodeInfo struct {
	NodeID            string           `json:"node_id"`
	Groups            []string         `json:"groups"`
	CapacitiesTotal   CapacityVector   `json:"capacities_total"`
	HeartbeatInterval time.Duration    `json:"heartbeat_interval"`
	State             NodeState        `json:"state"`
	LastHeartbeatMs   int64            `json:"last_heartbeat_ms"`
	Static            StaticResources  `json:"static"`
	Dynamic           DynamicResources `json:"dynamic"`
}

// StaticResources are declared once in NodeHello and immutable for the
// session.
type StaticResources struct {
	LogicalCores  int            `json:"logical_cores"`
	MemoryBytes   uint64         `json:"memory_total_bytes"`
	StorageMounts []StorageMount `json:"storage_mounts,omitempty"`
	GPUs          []GPUInfo      `json:"gpus,omitempty"`
}

// DynamicResources ride on every heartbeat.
type DynamicResources struct {
	TimestampUnixMs int64          `json:"timestamp_unix_ms"`
	CPUTotalPercent float64        `json:"cpu_total_percent"`
	CPUPerCore      []float64      `json:"cpu_per_core,omitempty"`
	MemoryUsedBytes uint64         `json:"memory_used_bytes"`
	MemoryFreeBytes uint64         `json:"memory_free_bytes"`
	StorageMounts   []StorageMount `json:"storage_mounts,omitempty"`
	GPUs            []GPUInfo      `json:"gpus,omitempty"`
}

// StorageMount describes one filesystem mount on a node.
type StorageMount struct {
	MountPoint     string  `json:"mount_point"`
	FSType         string  `json:"fs_type,omitempty"`
	TotalBytes     uint64  `json:"total_bytes,omitempty"`
	UsedBytes      uint64  `json:"used_bytes,omitempty"`
	AvailableBytes uint64  `json:"available_bytes,omitempty"`
	UsedPercent    float64 `json:"used_percent,omitempty"`
}

// GPUInfo describes one GPU on a node.
type GPUInfo struct {
	Index         int     `json:"index"`
	Name          string  `json:"name,omitempty"`
	MemTotalBytes uint64  `json:"mem_total_bytes,omitempty"`
	MemUsedBytes  uint64  `json:"mem_used_bytes,omitempty"`
	UtilPercent   float64 `json:"util_percent,omitempty"`
	TemperatureC  int     `json:"temperature_c,omitempty"`
	PowerW        float64 `json:"power_w,omitempty"`
}

// NowMs returns the current wall clock in unix milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
