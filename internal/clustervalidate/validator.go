// Package clustervalidate composes the broker client and health evaluator across
// every topology node into a cluster-wide admission verdict.
package clustervalidate

import (
	"context"
	"fmt"

	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/healthcheck"
)

// BrokerAPI is the subset of brokerclient.Client that cluster validation needs.
// Declared as an interface so orchestrator tests can substitute a fake.
type BrokerAPI interface {
	GetNode(ctx context.Context, managementBase, nodeID string) (brokerclient.NodeInfo, error)
	GetAlarms(ctx context.Context, managementBase string) ([]brokerclient.Alarm, error)
}

// ValidationVerdict is the outcome of a cluster-health check.
type ValidationVerdict struct {
	Healthy          bool
	CanRestart       bool
	Reasons          []string
	TotalNodes       int
	HealthyNodes     int
	AllNodesHealthy  bool
}

// Validator composes BrokerAPI and healthcheck.Evaluate across topology nodes.
type Validator struct {
	broker BrokerAPI
	base   string
	cfg    *config.Config
}

// New builds a Validator against the given management API base URL.
func New(broker BrokerAPI, managementBase string, cfg *config.Config) *Validator {
	return &Validator{broker: broker, base: managementBase, cfg: cfg}
}

// ValidateClusterHealth fetches every node's status and cluster-wide alarms
// and derives a per-cluster health verdict.
func (v *Validator) ValidateClusterHealth(ctx context.Context) (ValidationVerdict, error) {
	nodes := v.cfg.OrderedNodes()
	reasons := make([]string, 0)
	healthyCount := 0
	partitioned := make([]string, 0)

	allAlarms, alarmsErr := v.broker.GetAlarms(ctx, v.base)
	if alarmsErr != nil {
		reasons = append(reasons, fmt.Sprintf("could not fetch alarms: %v", alarmsErr))
	}

	for _, node := range nodes {
		info, err := v.broker.GetNode(ctx, v.base, node.ID)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("node %s: %v", node.Name, err))
			continue
		}
		if len(info.Partitions) > 0 {
			partitioned = append(partitioned, node.Name)
		}

		health := healthcheck.Evaluate(info, allAlarms)
		if health.IsHealthy {
			healthyCount++
		} else {
			reasons = append(reasons, health.Issues...)
		}
	}

	if alarmsErr == nil {
		if critical := healthcheck.CriticalAlarms(allAlarms); len(critical) > 0 {
			reasons = append(reasons, fmt.Sprintf("Critical alarms: %s", summarizeAlarms(critical)))
		}
	}
	if len(partitioned) > 0 && !v.cfg.AllowRestartWithPartitions {
		reasons = append(reasons, fmt.Sprintf("Network partitions detected: %v", partitioned))
	}

	verdict := ValidationVerdict{
		TotalNodes:      len(nodes),
		HealthyNodes:    healthyCount,
		AllNodesHealthy: healthyCount == len(nodes),
	}
	verdict.Healthy = len(reasons) == 0
	verdict.CanRestart = verdict.Healthy && verdict.AllNodesHealthy
	verdict.Reasons = reasons
	return verdict, nil
}

func summarizeAlarms(alarms []brokerclient.Alarm) string {
	summary := ""
	for i, a := range alarms {
		if i > 0 {
			summary += ", "
		}
		summary += fmt.Sprintf("%s on %s", a.Kind, a.Node)
	}
	return summary
}

// ValidateRollingRestartAdmission applies the stricter checks required before
// a rolling restart may begin: rolling restart must be enabled, the topology
// must have at least 2 nodes, and every node must evaluate healthy (or, when
// RequireAllNodesHealthy is false, at least one node). Cluster-level reasons
// from ValidateClusterHealth that do not make a node unhealthy, such as alarms
// on nodes outside the topology, do not block admission.
func (v *Validator) ValidateRollingRestartAdmission(ctx context.Context) (canRestart bool, reasons []string) {
	if !v.cfg.EnableRollingRestart {
		return false, []string{"rolling restart is disabled (ENABLE_ROLLING_RESTART is not set)"}
	}
	if len(v.cfg.OrderedNodes()) < 2 {
		return false, []string{"cluster must have at least 2 nodes to perform a rolling restart"}
	}

	verdict, err := v.ValidateClusterHealth(ctx)
	if err != nil {
		return false, []string{err.Error()}
	}
	if v.cfg.RequireAllNodesHealthy {
		if !verdict.AllNodesHealthy {
			return false, verdict.Reasons
		}
	} else if verdict.HealthyNodes == 0 {
		return false, verdict.Reasons
	}
	return true, nil
}
