package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyActive is returned by Start when a run is already in progress.
var ErrAlreadyActive = errors.New("rolling restart already in progress")

// ErrNotActive is returned by Cancel when no run is in progress.
var ErrNotActive = errors.New("no rolling restart in progress")

// errHealthWaitCancelled is returned internally by healthWait when it observes
// a cancellation request mid-poll, distinct from a genuine health-wait timeout.
var errHealthWaitCancelled = errors.New("cancelled while awaiting health")

// AdmissionDeniedError wraps the reasons a rolling restart was refused admission.
type AdmissionDeniedError struct {
	Reasons []string
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("rolling restart admission denied: %s", strings.Join(e.Reasons, "; "))
}

// NodeFailureError wraps the node whose sub-machine failed and how far the run got.
type NodeFailureError struct {
	NodeName        string
	CompletedNodes  int
	Err             error
}

func (e *NodeFailureError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeName, e.Err)
}

func (e *NodeFailureError) Unwrap() error {
	return e.Err
}
