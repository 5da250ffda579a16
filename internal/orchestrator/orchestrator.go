// Package orchestrator implements the Rolling Restart Orchestrator: a
// single-writer state machine that drains, restarts, and re-validates each
// broker node in ascending configOrder while preserving cluster availability.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
	"github.com/rollingrestartd/rollingrestartd/internal/clustervalidate"
	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/healthcheck"
	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/observability"
)

// BrokerAPI is the subset of brokerclient.Client the orchestrator drives directly,
// declared as an interface so tests can substitute a fake broker backend.
type BrokerAPI interface {
	GetConnectionCount(ctx context.Context, managementBase, nodeID string) (int, error)
	ForceCloseNodeConnections(ctx context.Context, managementBase, nodeID string, maxToClose int) (brokerclient.ForceCloseResult, error)
	SetMaintenanceMode(ctx context.Context, managementBase, nodeID string, enabled bool, reason string) (brokerclient.MaintenanceAck, error)
	CheckNodeHealth(ctx context.Context, managementBase, nodeID string, evaluate brokerclient.HealthEvaluator) (brokerclient.NodeHealthView, error)
}

// HostRunner is the subset of hostexec.Executor the orchestrator drives directly.
type HostRunner interface {
	Execute(target hostexec.Target, command string, opts hostexec.Options) (string, error)
}

// StartOptions configures a Start call.
type StartOptions struct {
	DryRun         bool
	Force          bool
	Reason         string
	SkipValidation bool
}

// StartResult is returned from Start. For a dry run it carries the planned
// sequence instead of actually beginning orchestration.
type StartResult struct {
	DryRun            bool
	Nodes             []string
	EstimatedDuration string
}

// RestartOrchestrator is the top-level state machine. One instance owns the single
// process-wide OrchestratorState; concurrent Start calls race for its active slot.
type RestartOrchestrator struct {
	cfg       *config.Config
	broker    BrokerAPI
	host      HostRunner
	validator *clustervalidate.Validator
	reporter  Reporter
	state     *OrchestratorState
	history   *History
	base      string

	evaluateHealth brokerclient.HealthEvaluator
	now            func() time.Time
	sleep          func(context.Context, time.Duration)
}

// New builds a RestartOrchestrator wired to its collaborators.
func New(cfg *config.Config, broker BrokerAPI, host HostRunner, validator *clustervalidate.Validator, managementBase string, reporter Reporter) *RestartOrchestrator {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &RestartOrchestrator{
		cfg:       cfg,
		broker:    broker,
		host:      host,
		validator: validator,
		reporter:  reporter,
		state:     newOrchestratorState(),
		history:   NewHistory(20),
		base:      managementBase,
		evaluateHealth: func(info brokerclient.NodeInfo, alarms []brokerclient.Alarm) brokerclient.NodeHealthView {
			h := healthcheck.Evaluate(info, alarms)
			return brokerclient.NodeHealthView{IsHealthy: h.IsHealthy, Issues: h.Issues}
		},
		now:   time.Now,
		sleep: sleepWithContext,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// GetState returns a consistent snapshot of the orchestrator state.
func (o *RestartOrchestrator) GetState() Snapshot {
	return o.state.Snapshot()
}

// History returns the run history ring buffer.
func (o *RestartOrchestrator) History() []RunHistory {
	return o.history.Recent()
}

// ValidateOnly runs the stricter rolling-restart admission check without mutating state.
func (o *RestartOrchestrator) ValidateOnly(ctx context.Context) (bool, []string) {
	return o.validator.ValidateRollingRestartAdmission(ctx)
}

// Start attempts to begin (or dry-run) a rolling restart. It returns immediately;
// a real (non-dry-run) restart proceeds asynchronously and is observed via GetState.
func (o *RestartOrchestrator) Start(ctx context.Context, opts StartOptions) (StartResult, error) {
	if o.state.Snapshot().IsActive {
		return StartResult{}, ErrAlreadyActive
	}

	bypassAdmission := opts.Force && opts.SkipValidation
	if !bypassAdmission {
		canRestart, reasons := o.validator.ValidateRollingRestartAdmission(ctx)
		if !canRestart {
			return StartResult{}, &AdmissionDeniedError{Reasons: reasons}
		}
	}

	nodes := o.cfg.OrderedNodes()
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	if opts.DryRun {
		return StartResult{
			DryRun:            true,
			Nodes:             names,
			EstimatedDuration: estimateDuration(o.cfg, len(nodes)),
		}, nil
	}

	runID := uuid.New().String()
	if !o.state.tryAcquire(runID, len(nodes)) {
		return StartResult{}, ErrAlreadyActive
	}

	o.emitEvent(ctx, observability.LevelInfo, "started", map[string]interface{}{
		"run_id": runID,
		"nodes":  names,
		"reason": opts.Reason,
	})

	go o.runLoop(context.Background(), runID, nodes)

	return StartResult{}, nil
}

// Cancel requests cancellation of the active run. It returns immediately; the
// orchestrator honors the flag at the next phase or node boundary.
func (o *RestartOrchestrator) Cancel(ctx context.Context, reason string) error {
	if !o.state.requestCancel() {
		return ErrNotActive
	}
	o.emitEvent(ctx, observability.LevelWarn, "cancel_requested", map[string]interface{}{"reason": reason})
	return nil
}

func estimateDuration(cfg *config.Config, nodeCount int) string {
	perNode := cfg.Timeouts.ConnectionDrain() + cfg.Timeouts.NodeStartup() + cfg.Timeouts.PostRestartValidation() + 45*time.Second
	total := time.Duration(nodeCount)*perNode + time.Duration(nodeCount-1)*cfg.Timeouts.InterNode()
	minutes := int(total.Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func (o *RestartOrchestrator) runLoop(ctx context.Context, runID string, nodes []config.Node) {
	run := RunHistory{RunID: runID, StartedAt: o.now()}
	defer o.state.release()

	for i, node := range nodes {
		if o.state.isCancelRequested() {
			o.finishCancelled(ctx, &run)
			return
		}

		o.state.setCurrentNode(node.Name)
		outcome := o.runNode(ctx, node)
		run.Records = append(run.Records, outcome.records...)

		if outcome.cancelled {
			o.finishCancelled(ctx, &run)
			return
		}

		if outcome.err != nil {
			failure := &NodeFailureError{NodeName: node.Name, CompletedNodes: i, Err: outcome.err}
			o.finishFailed(ctx, &run, failure)
			return
		}

		o.state.incrementCompleted()
		snap := o.state.Snapshot()
		o.emitEvent(ctx, observability.LevelInfo, "progress", map[string]interface{}{
			"completed": snap.Progress.Completed,
			"total":     snap.Progress.Total,
		})

		if i < len(nodes)-1 {
			o.sleep(ctx, o.cfg.Timeouts.InterNode())
		}
	}

	o.finishCompleted(ctx, &run)
}

func (o *RestartOrchestrator) finishCompleted(ctx context.Context, run *RunHistory) {
	o.state.markCompleted()
	run.CompletedAt = o.now()
	run.FinalPhase = PhaseCompleted
	o.history.Append(*run)
	o.emitEvent(ctx, observability.LevelInfo, "completed", nil)
}

func (o *RestartOrchestrator) finishFailed(ctx context.Context, run *RunHistory, failure *NodeFailureError) {
	o.state.markFailed(failure.Error())
	run.CompletedAt = o.now()
	run.FinalPhase = PhaseFailed
	o.history.Append(*run)
	o.emitEvent(ctx, observability.LevelError, "failed", map[string]interface{}{"error": failure.Error()})
}

func (o *RestartOrchestrator) finishCancelled(ctx context.Context, run *RunHistory) {
	o.state.markCancelled()
	run.CompletedAt = o.now()
	run.FinalPhase = PhaseCancelled
	o.history.Append(*run)
	o.emitEvent(ctx, observability.LevelWarn, "cancelled", nil)
}

func (o *RestartOrchestrator) emitEvent(ctx context.Context, level observability.Level, event string, fields map[string]interface{}) {
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:  level,
		Event:  event,
		Fields: fields,
	})
}

func (o *RestartOrchestrator) recordPhaseChange(ctx context.Context, node config.Node, phase Phase) {
	o.state.setPhase(phase)
	o.emitEvent(ctx, observability.LevelInfo, "phase-change", map[string]interface{}{
		"phase": string(phase),
		"node":  node.Name,
	})
	o.reporter.RecordMetric(observability.Metric{
		Name:        "node_phase_transitions_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"phase": string(phase), "node": node.Name},
		Description: "Number of per-node phase transitions during rolling restarts.",
	})
}
