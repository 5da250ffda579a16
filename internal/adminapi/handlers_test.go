package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
	"github.com/rollingrestartd/rollingrestartd/internal/clustervalidate"
	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/observability"
	"github.com/rollingrestartd/rollingrestartd/internal/orchestrator"
)

type fakeBroker struct{}

func (fakeBroker) GetNode(context.Context, string, string) (brokerclient.NodeInfo, error) {
	return brokerclient.NodeInfo{Running: true, MemLimit: 1, DiskFree: 1 << 30, FDTotal: 1}, nil
}

func (fakeBroker) GetAlarms(context.Context, string) ([]brokerclient.Alarm, error) { return nil, nil }

func (fakeBroker) GetConnectionCount(context.Context, string, string) (int, error) { return 0, nil }

func (fakeBroker) ForceCloseNodeConnections(context.Context, string, string, int) (brokerclient.ForceCloseResult, error) {
	return brokerclient.ForceCloseResult{}, nil
}

func (fakeBroker) SetMaintenanceMode(context.Context, string, string, bool, string) (brokerclient.MaintenanceAck, error) {
	return brokerclient.MaintenanceAck{Acknowledged: true}, nil
}

func (fakeBroker) CheckNodeHealth(context.Context, string, string, brokerclient.HealthEvaluator) (brokerclient.NodeHealthView, error) {
	return brokerclient.NodeHealthView{IsHealthy: true}, nil
}

type fakeHost struct{}

func (fakeHost) Execute(hostexec.Target, string, hostexec.Options) (string, error) {
	return "active", nil
}

func (fakeHost) Dial(hostexec.Target) error { return nil }

func testCfg() *config.Config {
	cfg := &config.Config{
		Topology: config.Topology{
			ClusterName: "test",
			Nodes: []config.Node{
				{ID: "n1", Name: "n1", HostIP: "127.0.0.1", Port: 5672, ManagementPort: 15672, SSHPort: 22, ConfigOrder: 1},
				{ID: "n2", Name: "n2", HostIP: "127.0.0.1", Port: 5672, ManagementPort: 15672, SSHPort: 22, ConfigOrder: 2},
			},
		},
		EnableRollingRestart: true,
	}
	cfg.Timeouts = config.Timeouts{
		ConnectionDrainMS:      10,
		ConnectionDrainCheckMS: 5,
		NodeStartupMS:          10,
		HealthCheckIntervalMS:  5,
		InterNodeMS:            5,
		APITimeoutMS:           50,
	}
	cfg.SystemdServiceName = "rabbitmq-server"
	return cfg
}

func newTestServer(t *testing.T, mgmt *httptest.Server) *Server {
	t.Helper()
	cfg := testCfg()
	if mgmt != nil {
		cfg.ManagementAPIBase = mgmt.URL
	}
	broker := fakeBroker{}
	host := fakeHost{}
	validator := clustervalidate.New(broker, cfg.ManagementAPIBase, cfg)
	orch := orchestrator.New(cfg, broker, host, validator, cfg.ManagementAPIBase, nil)
	return NewServer(cfg, broker, host, validator, orch, nil, nil)
}

func TestHandleStatusReturnsIdleSnapshot(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/rolling-restart/status", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "idle", body["Phase"])
}

func TestHandleStartRejectsWhenAdmissionDenied(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.cfg.EnableRollingRestart = false

	req := httptest.NewRequest(http.MethodPost, "/api/rolling-restart/start", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStartDryRunReturnsPlannedNodes(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/rolling-restart/start", strings.NewReader(`{"dryRun": true}`))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["DryRun"])
}

func TestHandleCancelWithNoActiveRunReturnsBadRequest(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/rolling-restart/cancel", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNodeMaintenanceUnknownNodeReturns404(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/nodes/does-not-exist/maintenance", strings.NewReader(`{"maintenance": true}`))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHistoryEmptyReturnsNotImplementedShape(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/rolling-restart/history", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not implemented", body["status"])
}

func TestMetricsRouteServesConfiguredCollector(t *testing.T) {
	cfg := testCfg()
	broker := fakeBroker{}
	host := fakeHost{}
	validator := clustervalidate.New(broker, cfg.ManagementAPIBase, cfg)
	orch := orchestrator.New(cfg, broker, host, validator, cfg.ManagementAPIBase, nil)
	metrics := observability.NewPrometheusCollector()
	metrics.Collect(observability.Metric{
		Name:  "runs_started_total",
		Type:  observability.MetricCounter,
		Value: 1,
	})
	srv := NewServer(cfg, broker, host, validator, orch, metrics, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rollingrestartd_runs_started_total")
}

func TestAPIKeyAuthRejectsMissingKeyWhenConfigured(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.cfg.APIKey = "secret"
	srv.router = nil
	srv.setupMiddleware()
	srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/rolling-restart/status", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyAuthAcceptsHeaderKey(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.cfg.APIKey = "secret"
	srv.router = nil
	srv.setupMiddleware()
	srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/rolling-restart/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
