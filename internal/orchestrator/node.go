package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/observability"
)

// nodeOutcome is the result of running one node's sub-machine.
type nodeOutcome struct {
	records   []NodeRestartRecord
	err       error
	cancelled bool
}

// runNode drives the per-node sub-machine: preparing, draining, restarting,
// validating, post-validation pause, cleanup. It observes cancellation at every
// phase boundary. Once maintenance mode has been enabled, it always attempts the
// cleanup invariant before returning an error; a failure to enable maintenance
// mode returns without a revert.
func (o *RestartOrchestrator) runNode(ctx context.Context, node config.Node) nodeOutcome {
	var records []NodeRestartRecord

	o.recordPhaseChange(ctx, node, PhasePreparing)
	ack, err := o.broker.SetMaintenanceMode(ctx, o.base, node.ID, true, "Rolling restart")
	records = append(records, o.newRecord(node, PhasePreparing, "maintenance mode enabled", err))
	if err != nil {
		return nodeOutcome{records: records, err: fmt.Errorf("preparing: %w", err)}
	}
	if ack.Warning != "" {
		o.emitEvent(ctx, observability.LevelWarn, "maintenance_mode_warning", map[string]interface{}{
			"node": node.Name, "warning": ack.Warning,
		})
	}

	if o.state.isCancelRequested() {
		return o.cancelNode(ctx, node, records)
	}

	o.recordPhaseChange(ctx, node, PhaseDraining)
	o.drain(ctx, node)
	records = append(records, o.newRecord(node, PhaseDraining, "drain loop complete", nil))

	if o.state.isCancelRequested() {
		return o.cancelNode(ctx, node, records)
	}

	o.recordPhaseChange(ctx, node, PhaseRestarting)
	if err := o.restartViaSSH(ctx, node); err != nil {
		records = append(records, o.newRecord(node, PhaseRestarting, "restart failed", err))
		o.cleanupMaintenance(ctx, node)
		return nodeOutcome{records: records, err: fmt.Errorf("restarting: %w", err)}
	}
	records = append(records, o.newRecord(node, PhaseRestarting, "node restarted", nil))

	if o.state.isCancelRequested() {
		return o.cancelNode(ctx, node, records)
	}

	o.recordPhaseChange(ctx, node, PhaseValidating)
	if err := o.healthWait(ctx, node); err != nil {
		if errors.Is(err, errHealthWaitCancelled) {
			return o.cancelNode(ctx, node, records)
		}
		records = append(records, o.newRecord(node, PhaseValidating, "health wait failed", err))
		o.cleanupMaintenance(ctx, node)
		return nodeOutcome{records: records, err: fmt.Errorf("validating: %w", err)}
	}
	records = append(records, o.newRecord(node, PhaseValidating, "node healthy", nil))

	o.sleep(ctx, o.cfg.Timeouts.PostRestartValidation())

	if _, err := o.broker.SetMaintenanceMode(ctx, o.base, node.ID, false, "Rolling restart completed"); err != nil {
		records = append(records, o.newRecord(node, PhaseCompleted, "maintenance mode disabled", err))
		o.emitEvent(ctx, observability.LevelWarn, "cleanup_failed", map[string]interface{}{
			"node": node.Name, "error": err.Error(),
		})
	} else {
		records = append(records, o.newRecord(node, PhaseCompleted, "maintenance mode disabled", nil))
	}

	return nodeOutcome{records: records}
}

func (o *RestartOrchestrator) cancelNode(ctx context.Context, node config.Node, records []NodeRestartRecord) nodeOutcome {
	o.cleanupMaintenance(ctx, node)
	return nodeOutcome{records: records, cancelled: true}
}

// cleanupMaintenance implements the cleanup invariant: a node placed into
// maintenance mode must be reverted before the run terminates. A cleanup
// failure is logged but never replaces the original error.
func (o *RestartOrchestrator) cleanupMaintenance(ctx context.Context, node config.Node) {
	if _, err := o.broker.SetMaintenanceMode(ctx, o.base, node.ID, false, "cleanup"); err != nil {
		o.emitEvent(ctx, observability.LevelWarn, "cleanup_failed", map[string]interface{}{
			"node": node.Name, "error": err.Error(),
		})
	}
}

func (o *RestartOrchestrator) newRecord(node config.Node, phase Phase, message string, err error) NodeRestartRecord {
	rec := NodeRestartRecord{
		NodeID:    node.ID,
		NodeName:  node.Name,
		Phase:     phase,
		Message:   message,
		Timestamp: o.now(),
	}
	if err != nil {
		rec.Err = err.Error()
	}
	return rec
}

// drain polls the node's connection count until it hits zero or the drain
// timeout elapses. It never fails the restart: it only shortens or lengthens
// it, since clients must tolerate an abrupt disconnect regardless.
func (o *RestartOrchestrator) drain(ctx context.Context, node config.Node) {
	deadline := o.now().Add(o.cfg.Timeouts.ConnectionDrain())
	for o.now().Before(deadline) {
		if o.state.isCancelRequested() {
			o.state.setDrainingConnections(nil)
			return
		}

		n, err := o.broker.GetConnectionCount(ctx, o.base, node.ID)
		if err != nil {
			// Transient observation failure: abandon the loop, proceed as if drained.
			break
		}
		o.state.setDrainingConnections(&n)
		if n == 0 {
			o.state.setDrainingConnections(nil)
			return
		}
		o.sleep(ctx, o.cfg.Timeouts.ConnectionDrainCheck())
	}

	final, err := o.broker.GetConnectionCount(ctx, o.base, node.ID)
	o.state.setDrainingConnections(nil)
	if err != nil || final == 0 {
		return
	}

	o.emitEvent(ctx, observability.LevelWarn, "drain_incomplete", map[string]interface{}{
		"node": node.Name, "remaining": final,
	})

	if o.cfg.ForceCloseConnectionsAfterDrain && final <= o.cfg.ForceCloseMaxConnections {
		if _, err := o.broker.ForceCloseNodeConnections(ctx, o.base, node.ID, final); err != nil {
			o.emitEvent(ctx, observability.LevelWarn, "force_close_failed", map[string]interface{}{
				"node": node.Name, "error": err.Error(),
			})
		}
	}
}

// restartViaSSH performs the SSH-orchestrated stop-then-start sequence.
func (o *RestartOrchestrator) restartViaSSH(ctx context.Context, node config.Node) error {
	target := hostexec.Target{HostIP: node.HostIP, SSHPort: node.SSHPort}
	svc := o.cfg.SystemdServiceName

	if _, err := o.host.Execute(target, fmt.Sprintf("systemctl is-active %s", svc), hostexec.Options{Timeout: 10 * time.Second}); err != nil {
		o.emitEvent(ctx, observability.LevelInfo, "pre_stop_state", map[string]interface{}{"node": node.Name, "note": err.Error()})
	}

	if _, err := o.host.Execute(target, fmt.Sprintf("systemctl stop %s", svc), hostexec.Options{Sudo: true, Timeout: 30 * time.Second}); err != nil {
		return fmt.Errorf("stop %s: %w", svc, err)
	}
	o.sleep(ctx, 3*time.Second)

	if out, err := o.host.Execute(target, fmt.Sprintf("systemctl is-active %s", svc), hostexec.Options{Timeout: 10 * time.Second}); err == nil && out == "active" {
		if _, killErr := o.host.Execute(target, fmt.Sprintf("systemctl kill %s", svc), hostexec.Options{Sudo: true, Timeout: 10 * time.Second}); killErr != nil {
			return fmt.Errorf("kill %s: %w", svc, killErr)
		}
		o.sleep(ctx, 2*time.Second)
	}

	if _, err := o.host.Execute(target, fmt.Sprintf("systemctl start %s", svc), hostexec.Options{Sudo: true, Timeout: 45 * time.Second}); err != nil {
		return fmt.Errorf("start %s: %w", svc, err)
	}
	o.sleep(ctx, 10*time.Second)

	out, err := o.host.Execute(target, fmt.Sprintf("systemctl is-active %s", svc), hostexec.Options{Timeout: 10 * time.Second})
	if err != nil || out != "active" {
		return fmt.Errorf("node %s did not report active after start", node.Name)
	}

	if _, err := o.host.Execute(target, "rabbitmqctl node_health_check", hostexec.Options{Sudo: true, Timeout: 30 * time.Second}); err != nil {
		o.emitEvent(ctx, observability.LevelWarn, "node_health_check_failed", map[string]interface{}{"node": node.Name, "error": err.Error()})
	}

	return nil
}

// healthWait polls the restarted node's health until it reports healthy or
// the startup deadline elapses.
func (o *RestartOrchestrator) healthWait(ctx context.Context, node config.Node) error {
	deadline := o.now().Add(o.cfg.Timeouts.NodeStartup())
	for o.now().Before(deadline) {
		if o.state.isCancelRequested() {
			return errHealthWaitCancelled
		}
		h, err := o.broker.CheckNodeHealth(ctx, o.base, node.ID, o.evaluateHealth)
		if err != nil {
			o.emitEvent(ctx, observability.LevelWarn, "health_poll_error", map[string]interface{}{"node": node.Name, "error": err.Error()})
		} else if h.IsHealthy {
			return nil
		}
		o.sleep(ctx, o.cfg.Timeouts.HealthCheckInterval())
	}
	return fmt.Errorf("node %s failed to become healthy within %s", node.Name, o.cfg.Timeouts.NodeStartup())
}
