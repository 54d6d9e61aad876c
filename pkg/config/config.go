package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which role this process runs.
type Mode string

const (
	ModeConductor Mode = "conductor"
	ModeNode      Mode = "node"
)

// Heartbeat interval bounds recognized by the conductor.
const (
	MinHeartbeat     = 1 * time.Second
	MaxHeartbeat     = 30 * time.Second
	DefaultHeartbeat = 3 * time.Second
)

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TLSConfig points at PEM files for one side of the mutually-authenticated
// stream.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// ConductorConfig configures the central control-plane process.
type ConductorConfig struct {
	// Listen is the node stream listener address (default :50051).
	Listen string `yaml:"listen"`
	// HTTPListen is the control HTTP surface address (default :8080).
	HTTPListen string `yaml:"http_listen"`
	DataDir    string `yaml:"data_dir"`
	// CertDir holds ca.pem, server.pem/server.key and the shared node
	// client.pem/client.key. Missing files are generated at first boot.
	CertDir string `yaml:"cert_dir"`
	// SweepIntervalSec paces the reconciler's periodic sweep (1-5s).
	SweepIntervalSec float64 `yaml:"sweep_interval_sec"`
}

// NodeConfig configures a worker process.
type NodeConfig struct {
	NodeID          string           `yaml:"node_id"`
	ConductorAddr   string           `yaml:"conductor_addr"`
	Groups          []string         `yaml:"groups"`
	CapacitiesTotal map[string]int64 `yaml:"capacities_total"`
	HeartbeatSec    float64          `yaml:"heartbeat_sec"`
	TLS             TLSConfig        `yaml:"tls"`
}

// Config is the top-level YAML document. Exactly one of Conductor/Node is
// consulted depending on Mode.
type Config struct {
	Mode      Mode            `yaml:"mode"`
	Logging   LoggingConfig   `yaml:"logging"`
	Conductor ConductorConfig `yaml:"conductor"`
	Node      NodeConfig      `yaml:"node"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeConductor
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Conductor.Listen == "" {
		c.Conductor.Listen = ":50051"
	}
	if c.Conductor.HTTPListen == "" {
		c.Conductor.HTTPListen = ":8080"
	}
	if c.Conductor.DataDir == "" {
		c.Conductor.DataDir = "./symphony-data"
	}
	if c.Conductor.CertDir == "" {
		c.Conductor.CertDir = "./symphony-certs"
	}
	if c.Conductor.SweepIntervalSec <= 0 {
		c.Conductor.SweepIntervalSec = 2
	}
	if c.Node.HeartbeatSec <= 0 {
		c.Node.HeartbeatSec = DefaultHeartbeat.Seconds()
	}
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeConductor:
		// Defaults cover everything.
	case ModeNode:
		if c.Node.NodeID == "" {
			return fmt.Errorf("missing required config key: node.node_id")
		}
		if c.Node.ConductorAddr == "" {
			return fmt.Errorf("missing required config key: node.conductor_addr")
		}
		if len(c.Node.Groups) == 0 {
			return fmt.Errorf("missing required config key: node.groups")
		}
		for label, total := range c.Node.CapacitiesTotal {
			if total <= 0 {
				return fmt.Errorf("capacity %q must be positive, got %d", label, total)
			}
		}
	default:
		return fmt.Errorf("unknown mode: %q", c.Mode)
	}
	return nil
}

// HeartbeatInterval returns the node heartbeat interval clamped to the
// recognized range.
func (n *NodeConfig) HeartbeatInterval() time.Duration {
	d := time.Duration(n.HeartbeatSec * float64(time.Second))
	if d < MinHeartbeat {
		return MinHeartbeat
	}
	if d > MaxHeartbeat {
		return MaxHeartbeat
	}
	return d
}

// SweepInterval returns the reconciler sweep period clamped to 1-5s.
func (c *ConductorConfig) SweepInterval() time.Duration {
	d := time.Duration(c.SweepIntervalSec * float64(time.Second))
	if d < time.Second {
		return time.Second
	}
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
