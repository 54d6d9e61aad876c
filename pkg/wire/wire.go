package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ttheew/symphony/pkg/types"
)

// Kind discriminates frame payloads on the node stream.
type Kind string

// Node -> conductor frames.
const (
	KindNodeHello            Kind = "node_hello"
	KindHeartbeat            Kind = "heartbeat"
	KindDeploymentStatusList Kind = "deployment_status_list"
	KindLogBatch             Kind = "log_batch"
)

// Conductor -> node frames.
const (
	KindDeploymentReq    Kind = "deployment_req"
	KindDeploymentCancel Kind = "deployment_cancel"
	KindPong             Kind = "pong"
	KindLogSubscribe     Kind = "log_subscribe"
	KindLogUnsubscribe   Kind = "log_unsubscribe"
)

// Command verbs carried by DeploymentReq.
type Command string

const (
	CommandStart  Command = "START"
	CommandUpdate Command = "UPDATE"
	CommandStop   Command = "STOP"
)

// Frame is the envelope for every message on a node session. Payload holds
// the JSON encoding of the body named by Kind.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NodeHello opens a session. It must be the first frame a node sends.
type NodeHello struct {
	NodeID          string                `json:"node_id"`
	Groups          []string              `json:"groups"`
	CapacitiesTotal types.CapacityVector  `json:"capacities_total"`
	HeartbeatMs     int64                 `json:"heartbeat_ms"`
	Static          types.StaticResources `json:"static"`
}

// Heartbeat carries the live resource snapshot at the node's declared
// interval.
type Heartbeat struct {
	NodeID  string                 `json:"node_id"`
	Dynamic types.DynamicResources `json:"dynamic"`
}

// DeploymentStatusList reports per-deployment current state. It rides on
// every heartbeat and is also pushed immediately on state changes.
type DeploymentStatusList struct {
	Deployments []types.DeploymentStatus `json:"deployments"`
}

// LogBatch forwards buffered log entries for one deployment to the
// conductor.
type LogBatch struct {
	DeploymentID string           `json:"deployment_id"`
	Entries      []types.LogEntry `json:"entries"`
}

// DeploymentReq instructs the node supervisor to start, update, or stop a
// deployment. Supervisors ignore commands whose Revision is <= the locally
// acked revision, except STOP which always applies.
type DeploymentReq struct {
	Command      Command             `json:"command"`
	DeploymentID string              `json:"deployment_id"`
	Revision     uint64              `json:"revision"`
	Kind         types.DeployKind    `json:"deploy_kind,omitempty"`
	DesiredState types.DesiredState  `json:"desired_state,omitempty"`
	Spec         types.Specification `json:"spec"`
}

// DeploymentCancel tears a deployment down ahead of record removal. It
// always applies regardless of revision.
type DeploymentCancel struct {
	DeploymentID string `json:"deployment_id"`
}

// Pong acknowledges a heartbeat.
type Pong struct {
	TimestampUnixMs int64 `json:"timestamp_unix_ms"`
}

// LogSubscribe asks the node to start forwarding log entries for a
// deployment, backfilling the most recent Tail entries first.
type LogSubscribe struct {
	DeploymentID string   `json:"deployment_id"`
	Tail         int      `json:"tail"`
	SinceMs      int64    `json:"since_ms,omitempty"`
	Streams      []string `json:"streams,omitempty"`
}

// LogUnsubscribe stops forwarding for a deployment.
type LogUnsubscribe struct {
	DeploymentID string `json:"deployment_id"`
}

// Encode wraps a message body in a Frame.
func Encode(kind Kind, body any) (*Frame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", kind, err)
	}
	return &Frame{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals a frame payload into body, validating the kind matches.
func Decode(f *Frame, kind Kind, body any) error {
	if f.Kind != kind {
		return fmt.Errorf("frame kind mismatch: got %s, want %s", f.Kind, kind)
	}
	if err := json.Unmarshal(f.Payload, body); err != nil {
		return fmt.Errorf("malformed %s frame: %w", kind, err)
	}
	return nil
}

// Marshal serializes a frame for the wire.
func Marshal(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}

// Unmarshal parses wire bytes into a frame. Unknown kinds are returned to
// the caller; the session layer decides whether they are fatal.
func Unmarshal(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Kind == "" {
		return nil, fmt.Errorf("malformed frame: missing kind")
	}
	return f, nil
}
