// Package config loads and validates the cluster topology file and the
// environment-variable overlay that together configure rolling-restartd.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultTopologyPath = "/etc/rolling-restartd/topology.yaml"

// Node describes one broker in the cluster topology.
type Node struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	HostIP         string `yaml:"hostIp"`
	Port           int    `yaml:"port"`
	ManagementPort int    `yaml:"managementPort"`
	SSHPort        int    `yaml:"sshPort"`
	ConfigOrder    int    `yaml:"configOrder"`
}

// RestartConfig captures the timing knobs a topology file may override.
type RestartConfig struct {
	NodeStartupTimeoutSec   int `yaml:"nodeStartupTimeout"`
	HealthCheckIntervalSec  int `yaml:"healthCheckInterval"`
}

// Topology is the ordered set of nodes plus cluster-wide metadata.
type Topology struct {
	ClusterName   string        `yaml:"clusterName"`
	Version       string        `yaml:"version"`
	Nodes         []Node        `yaml:"nodes"`
	RestartConfig RestartConfig `yaml:"restartConfig"`
}

// Timeouts holds every duration the orchestrator and its collaborators honor.
type Timeouts struct {
	ConnectionDrainMS         int `yaml:"-"`
	ConnectionDrainCheckMS    int `yaml:"-"`
	PostRestartValidationMS  int `yaml:"-"`
	InterNodeMS              int `yaml:"-"`
	NodeStartupMS            int `yaml:"-"`
	HealthCheckIntervalMS    int `yaml:"-"`
	APITimeoutMS             int `yaml:"-"`
}

// ConnectionDrain returns the connection-drain budget.
func (t Timeouts) ConnectionDrain() time.Duration {
	return time.Duration(t.ConnectionDrainMS) * time.Millisecond
}

// ConnectionDrainCheck returns the drain-loop poll interval.
func (t Timeouts) ConnectionDrainCheck() time.Duration {
	return time.Duration(t.ConnectionDrainCheckMS) * time.Millisecond
}

// PostRestartValidation returns the idle-stabilization pause after a node validates healthy.
func (t Timeouts) PostRestartValidation() time.Duration {
	return time.Duration(t.PostRestartValidationMS) * time.Millisecond
}

// InterNode returns the pause observed between consecutive node restarts.
func (t Timeouts) InterNode() time.Duration {
	return time.Duration(t.InterNodeMS) * time.Millisecond
}

// NodeStartup returns the health-wait budget after a node's process is restarted.
func (t Timeouts) NodeStartup() time.Duration {
	return time.Duration(t.NodeStartupMS) * time.Millisecond
}

// HealthCheckInterval returns the health-wait loop poll interval.
func (t Timeouts) HealthCheckInterval() time.Duration {
	return time.Duration(t.HealthCheckIntervalMS) * time.Millisecond
}

// APITimeout returns the per-call timeout applied to broker management API requests.
func (t Timeouts) APITimeout() time.Duration {
	return time.Duration(t.APITimeoutMS) * time.Millisecond
}

// Config is the fully resolved runtime configuration: topology plus environment overlay.
type Config struct {
	Topology Topology
	Timeouts Timeouts

	BrokerAdminUser     string
	BrokerAdminPassword string
	ManagementAPIBase   string

	APIKey string

	SSHUser     string
	SSHKeyPath  string
	SSHPassword string

	EnableRollingRestart            bool
	RequireAllNodesHealthy          bool
	AllowRestartWithPartitions      bool
	ForceCloseConnectionsAfterDrain bool
	ForceCloseMaxConnections        int

	SystemdServiceName string
}

// ValidationError aggregates multiple configuration validation failures.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	return errors.As(target, &other)
}

// LoadTopology reads, parses, and validates the topology file from disk.
func LoadTopology(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology: %w", err)
	}
	defer f.Close()
	return decodeTopology(f)
}

func decodeTopology(r io.Reader) (*Topology, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var top Topology
	if err := decoder.Decode(&top); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}

	top.applyDefaults()
	if err := top.Validate(); err != nil {
		return nil, err
	}

	sort.Slice(top.Nodes, func(i, j int) bool {
		return top.Nodes[i].ConfigOrder < top.Nodes[j].ConfigOrder
	})

	return &top, nil
}

func (t *Topology) applyDefaults() {
	if t.RestartConfig.NodeStartupTimeoutSec == 0 {
		t.RestartConfig.NodeStartupTimeoutSec = 120
	}
	if t.RestartConfig.HealthCheckIntervalSec == 0 {
		t.RestartConfig.HealthCheckIntervalSec = 5
	}
}

// Validate checks the topology for well-formedness: a cluster name, at least
// one node, and unique/consistent node identifiers and ordering.
func (t *Topology) Validate() error {
	problems := make([]string, 0)

	if strings.TrimSpace(t.ClusterName) == "" {
		problems = append(problems, "clusterName is required")
	}
	if len(t.Nodes) == 0 {
		problems = append(problems, "at least one node must be configured")
	}

	seenID := make(map[string]bool, len(t.Nodes))
	seenName := make(map[string]bool, len(t.Nodes))
	seenOrder := make(map[int]bool, len(t.Nodes))

	for i, n := range t.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: id is required", i))
		} else if seenID[n.ID] {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate id %q", i, n.ID))
		} else {
			seenID[n.ID] = true
		}

		if strings.TrimSpace(n.Name) == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: name is required", i))
		} else if seenName[n.Name] {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate name %q", i, n.Name))
		} else {
			seenName[n.Name] = true
		}

		if strings.TrimSpace(n.HostIP) == "" {
			problems = append(problems, fmt.Sprintf("nodes[%d]: hostIp is required", i))
		}

		for _, p := range []struct {
			label string
			value int
		}{
			{"port", n.Port},
			{"managementPort", n.ManagementPort},
			{"sshPort", n.SSHPort},
		} {
			if p.value < 1 || p.value > 65535 {
				problems = append(problems, fmt.Sprintf("nodes[%d]: %s must be within 1..65535", i, p.label))
			}
		}

		if n.ConfigOrder == 0 {
			problems = append(problems, fmt.Sprintf("nodes[%d]: configOrder is required", i))
		} else if seenOrder[n.ConfigOrder] {
			problems = append(problems, fmt.Sprintf("nodes[%d]: duplicate configOrder %d", i, n.ConfigOrder))
		} else {
			seenOrder[n.ConfigOrder] = true
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Load builds a Config from a topology file plus the process environment.
func Load(topologyPath string) (*Config, error) {
	top, err := LoadTopology(topologyPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Topology: *top}
	cfg.applyTimeoutDefaults()
	cfg.ApplyEnv(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyTimeoutDefaults() {
	c.Timeouts = Timeouts{
		ConnectionDrainMS:       30_000,
		ConnectionDrainCheckMS:  2_000,
		PostRestartValidationMS: 10_000,
		InterNodeMS:             5_000,
		// The topology file expresses these two knobs in seconds.
		NodeStartupMS:         c.Topology.RestartConfig.NodeStartupTimeoutSec * 1000,
		HealthCheckIntervalMS: c.Topology.RestartConfig.HealthCheckIntervalSec * 1000,
		APITimeoutMS:          10_000,
	}
	c.ForceCloseMaxConnections = 10
	c.SystemdServiceName = "rabbitmq-server"
	c.RequireAllNodesHealthy = true
}

// ApplyEnv overlays recognized RABBITMQ_*/SSH_*/API_KEY, feature-flag and
// timeout environment variables onto the Config. Environment values take precedence over
// topology-file/derived defaults.
func (c *Config) ApplyEnv(environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	c.applyEnvMap(env)
}

func (c *Config) applyEnvMap(env map[string]string) {
	if v, ok := env["RABBITMQ_ADMIN_USER"]; ok {
		c.BrokerAdminUser = v
	}
	if v, ok := env["RABBITMQ_ADMIN_PASSWORD"]; ok {
		c.BrokerAdminPassword = v
	}
	if v, ok := env["RABBITMQ_MANAGEMENT_API_BASE"]; ok {
		c.ManagementAPIBase = v
	}
	if v, ok := env["API_KEY"]; ok {
		c.APIKey = v
	}
	if v, ok := env["SSH_USER"]; ok {
		c.SSHUser = v
	}
	if v, ok := env["SSH_KEY_PATH"]; ok {
		c.SSHKeyPath = v
	}
	if v, ok := env["SSH_PASSWORD"]; ok {
		c.SSHPassword = v
	}
	if v, ok := env["ENABLE_ROLLING_RESTART"]; ok {
		c.EnableRollingRestart = parseBool(v)
	}
	if v, ok := env["REQUIRE_ALL_NODES_HEALTHY"]; ok {
		c.RequireAllNodesHealthy = parseBool(v)
	}
	if v, ok := env["ALLOW_RESTART_WITH_PARTITIONS"]; ok {
		c.AllowRestartWithPartitions = parseBool(v)
	}
	if v, ok := env["FORCE_CLOSE_CONNECTIONS_AFTER_DRAIN"]; ok {
		c.ForceCloseConnectionsAfterDrain = parseBool(v)
	}
	if v, ok := env["SYSTEMD_SERVICE_NAME"]; ok && strings.TrimSpace(v) != "" {
		c.SystemdServiceName = v
	}

	applyMillisEnv(env, "CONNECTION_DRAIN_TIMEOUT_MS", &c.Timeouts.ConnectionDrainMS)
	applyMillisEnv(env, "CONNECTION_DRAIN_CHECK_MS", &c.Timeouts.ConnectionDrainCheckMS)
	applyMillisEnv(env, "POST_RESTART_VALIDATION_MS", &c.Timeouts.PostRestartValidationMS)
	applyMillisEnv(env, "INTER_NODE_DELAY_MS", &c.Timeouts.InterNodeMS)
	applyMillisEnv(env, "NODE_STARTUP_TIMEOUT_MS", &c.Timeouts.NodeStartupMS)
	applyMillisEnv(env, "HEALTH_CHECK_INTERVAL_MS", &c.Timeouts.HealthCheckIntervalMS)
	applyMillisEnv(env, "API_TIMEOUT_MS", &c.Timeouts.APITimeoutMS)
}

func applyMillisEnv(env map[string]string, key string, dest *int) {
	v, ok := env[key]
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*dest = n
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	return b
}

// Validate checks the resolved configuration for semantic correctness.
func (c *Config) Validate() error {
	problems := make([]string, 0)

	if err := c.Topology.Validate(); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			problems = append(problems, verr.Problems...)
		}
	}

	if strings.TrimSpace(c.BrokerAdminUser) == "" {
		problems = append(problems, "RABBITMQ_ADMIN_USER is required")
	}
	if strings.TrimSpace(c.BrokerAdminPassword) == "" {
		problems = append(problems, "RABBITMQ_ADMIN_PASSWORD is required")
	}
	if strings.TrimSpace(c.SSHKeyPath) == "" && strings.TrimSpace(c.SSHPassword) == "" {
		problems = append(problems, "one of SSH_KEY_PATH or SSH_PASSWORD is required")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// NodeByID looks up a topology node by its stable id.
func (c *Config) NodeByID(id string) (Node, bool) {
	for _, n := range c.Topology.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// OrderedNodes returns the topology's nodes sorted ascending by configOrder.
func (c *Config) OrderedNodes() []Node {
	nodes := make([]Node, len(c.Topology.Nodes))
	copy(nodes, c.Topology.Nodes)
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ConfigOrder < nodes[j].ConfigOrder
	})
	return nodes
}
