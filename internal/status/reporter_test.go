package status

import (
	"context"
	"testing"
	"time"

	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
	"github.com/rollingrestartd/rollingrestartd/internal/clustervalidate"
	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBroker struct{}

func (stubBroker) GetNode(context.Context, string, string) (brokerclient.NodeInfo, error) {
	return brokerclient.NodeInfo{Running: true, MemLimit: 1, DiskFree: 1 << 30, FDTotal: 1}, nil
}
func (stubBroker) GetAlarms(context.Context, string) ([]brokerclient.Alarm, error) { return nil, nil }
func (stubBroker) GetConnectionCount(context.Context, string, string) (int, error) { return 0, nil }
func (stubBroker) ForceCloseNodeConnections(context.Context, string, string, int) (brokerclient.ForceCloseResult, error) {
	return brokerclient.ForceCloseResult{}, nil
}
func (stubBroker) SetMaintenanceMode(context.Context, string, string, bool, string) (brokerclient.MaintenanceAck, error) {
	return brokerclient.MaintenanceAck{Acknowledged: true}, nil
}
func (stubBroker) CheckNodeHealth(context.Context, string, string, brokerclient.HealthEvaluator) (brokerclient.NodeHealthView, error) {
	return brokerclient.NodeHealthView{IsHealthy: true}, nil
}

type stubHost struct{}

func (stubHost) Execute(hostexec.Target, string, hostexec.Options) (string, error) {
	return "active", nil
}

func newIdleOrchestrator(t *testing.T) *orchestrator.RestartOrchestrator {
	t.Helper()
	cfg := &config.Config{
		Topology: config.Topology{
			ClusterName: "test",
			Nodes: []config.Node{
				{ID: "n1", Name: "n1", HostIP: "10.0.0.1", Port: 1, ManagementPort: 2, SSHPort: 3, ConfigOrder: 1},
			},
		},
		Timeouts: config.Timeouts{
			NodeStartupMS:         1000,
			HealthCheckIntervalMS: 5,
		},
	}
	validator := clustervalidate.New(stubBroker{}, "http://mgmt", cfg)
	return orchestrator.New(cfg, stubBroker{}, stubHost{}, validator, "http://mgmt", nil)
}

func TestSnapshotIdleHasNoEstimateOrError(t *testing.T) {
	orch := newIdleOrchestrator(t)
	r := New(orch)

	snap := r.Snapshot()
	assert.Equal(t, orchestrator.PhaseIdle, snap.Phase)
	assert.False(t, snap.IsActive)
	assert.Nil(t, snap.EstimatedTimeRemaining)
	assert.Nil(t, snap.ConnectionsDraining)
	assert.Empty(t, snap.LastError)
	assert.NotEmpty(t, snap.PhaseDescription)
}

func TestSnapshotProgressPercentRounds(t *testing.T) {
	orch := newIdleOrchestrator(t)
	r := New(orch)
	r.now = func() time.Time { return time.Now() }

	_, err := orch.Start(context.Background(), orchestrator.StartOptions{Force: true, SkipValidation: true})
	require.NoError(t, err)

	// The SSH restart sequence pauses 3s after stop, 2s after kill and 10s
	// after start, so a one-node run takes about 15s.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if !orch.GetState().IsActive {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	snap := r.Snapshot()
	assert.Equal(t, orchestrator.PhaseCompleted, snap.Phase)
	assert.Equal(t, 100, snap.ProgressPercent)
}
