package brokerclient

import "context"

// HealthEvaluator is the function CheckNodeHealth applies to a node's counters and
// alarms. It is a function type here so brokerclient does not import
// internal/healthcheck; callers adapt healthcheck.Evaluate's NodeHealth result
// into a NodeHealthView.
type HealthEvaluator func(NodeInfo, []Alarm) NodeHealthView

// NodeHealthView is the subset of internal/healthcheck.NodeHealth that CheckNodeHealth
// needs to decide whether polling should continue.
type NodeHealthView struct {
	IsHealthy bool
	Issues    []string
}

// CheckNodeHealth fetches a node's raw counters plus cluster alarms and evaluates them
// with the supplied evaluator. It is the composition point the health-wait loop polls.
func (c *Client) CheckNodeHealth(ctx context.Context, managementBase, nodeID string, evaluate HealthEvaluator) (NodeHealthView, error) {
	info, err := c.GetNode(ctx, managementBase, nodeID)
	if err != nil {
		return NodeHealthView{}, err
	}
	alarms, err := c.GetAlarms(ctx, managementBase)
	if err != nil {
		return NodeHealthView{}, err
	}
	return evaluate(info, alarms), nil
}
