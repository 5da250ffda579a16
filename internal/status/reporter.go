// Package status derives a read-only, human-facing view of the orchestrator's
// in-flight or most recently terminated run.
package status

import (
	"time"

	"github.com/rollingrestartd/rollingrestartd/internal/orchestrator"
)

var phaseDescriptions = map[orchestrator.Phase]string{
	orchestrator.PhaseIdle:        "Idle; no rolling restart in progress",
	orchestrator.PhasePreparing:   "Placing node into maintenance mode",
	orchestrator.PhaseMaintenance: "Node is in maintenance mode",
	orchestrator.PhaseDraining:    "Waiting for client connections to drain",
	orchestrator.PhaseRestarting:  "Restarting the broker process via SSH",
	orchestrator.PhaseValidating:  "Waiting for the restarted node to report healthy",
	orchestrator.PhaseCompleted:   "Rolling restart completed successfully",
	orchestrator.PhaseFailed:      "Rolling restart failed",
	orchestrator.PhaseCancelled:   "Rolling restart was cancelled",
}

// Status is the derived, read-only view returned to API callers.
type Status struct {
	RunID                  string
	Phase                  orchestrator.Phase
	PhaseDescription       string
	IsActive               bool
	Total                  int
	Completed              int
	CurrentNode            string
	ProgressPercent        int
	EstimatedTimeRemaining *int
	ConnectionsDraining    *int
	LastError              string
	StartedAt              time.Time
	CompletedAt            *time.Time
	CancelRequested        bool
}

// StatusReporter wraps a RestartOrchestrator to expose derived status fields
// without granting write access to orchestrator state.
type StatusReporter struct {
	orch *orchestrator.RestartOrchestrator
	now  func() time.Time
}

// New builds a StatusReporter over the given orchestrator.
func New(orch *orchestrator.RestartOrchestrator) *StatusReporter {
	return &StatusReporter{orch: orch, now: time.Now}
}

// Snapshot reads the orchestrator's current state and derives the
// human-facing progress, timing and error fields. It never mutates
// orchestrator state.
func (r *StatusReporter) Snapshot() Status {
	snap := r.orch.GetState()

	s := Status{
		RunID:               snap.RunID,
		Phase:               snap.Phase,
		PhaseDescription:    phaseDescriptions[snap.Phase],
		IsActive:            snap.IsActive,
		Total:               snap.Progress.Total,
		Completed:           snap.Progress.Completed,
		CurrentNode:         snap.Progress.Current,
		StartedAt:           snap.StartedAt,
		CompletedAt:         snap.CompletedAt,
		CancelRequested:     snap.CancelRequested,
		ConnectionsDraining: nil,
	}

	if s.Total > 0 {
		s.ProgressPercent = int(round(100 * float64(s.Completed) / float64(s.Total)))
	}

	if snap.IsActive && snap.Progress.Completed > 0 {
		elapsed := r.now().Sub(snap.StartedAt).Seconds()
		perNode := elapsed / float64(snap.Progress.Completed)
		remainingSeconds := int(round(float64(s.Total-s.Completed) * perNode))
		s.EstimatedTimeRemaining = &remainingSeconds
	}

	if snap.Phase == orchestrator.PhaseDraining {
		s.ConnectionsDraining = snap.CurrentNodeConnections
	}

	if len(snap.Errors) > 0 {
		s.LastError = snap.Errors[len(snap.Errors)-1]
	}

	return s
}

func round(v float64) float64 {
	if v < 0 {
		return -round(-v)
	}
	return float64(int(v + 0.5))
}
