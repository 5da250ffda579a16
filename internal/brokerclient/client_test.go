package brokerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNodeDecodesCounters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/api/nodes/rabbit-1", r.URL.Path)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"running":     true,
			"mem_used":    450,
			"mem_limit":   1000,
			"disk_free":   int64(2) << 30,
			"fd_used":     10,
			"fd_total":    100,
			"partitions":  []string{},
		})
	}))
	defer server.Close()

	client := New("admin", "secret", time.Second)
	info, err := client.GetNode(context.Background(), server.URL, "rabbit-1")
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, int64(450), info.MemUsed)
	assert.Equal(t, int64(1000), info.MemLimit)
}

func TestGetNodeClassifiesUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New("admin", "wrong", time.Second)
	_, err := client.GetNode(context.Background(), server.URL, "rabbit-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindUnauthorized, apiErr.Kind)
}

func TestGetNodeClassifiesNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New("admin", "secret", time.Second)
	_, err := client.GetNode(context.Background(), server.URL, "unknown")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindNotFound, apiErr.Kind)
}

func TestGetConnectionCountOnlyCountsRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"name": "c1", "node": "rabbit-1", "state": "running"},
			{"name": "c2", "node": "rabbit-1", "state": "running"},
			{"name": "c3", "node": "rabbit-1", "state": "closing"},
		})
	}))
	defer server.Close()

	client := New("admin", "secret", time.Second)
	count, err := client.GetConnectionCount(context.Background(), server.URL, "rabbit-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSetMaintenanceModeDowngradesUnsupportedToWarning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New("admin", "secret", time.Second)
	ack, err := client.SetMaintenanceMode(context.Background(), server.URL, "rabbit-1", true, "test")
	require.NoError(t, err)
	assert.False(t, ack.Acknowledged)
	assert.NotEmpty(t, ack.Warning)
}

func TestSetMaintenanceModeAcknowledges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New("admin", "secret", time.Second)
	ack, err := client.SetMaintenanceMode(context.Background(), server.URL, "rabbit-1", true, "rolling restart")
	require.NoError(t, err)
	assert.True(t, ack.Acknowledged)
	assert.Empty(t, ack.Warning)
}

func TestSetMaintenanceModeTransportErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := server.URL
	server.Close()

	client := New("admin", "secret", time.Second)
	ack, err := client.SetMaintenanceMode(context.Background(), url, "rabbit-1", true, "test")
	require.Error(t, err)
	assert.False(t, ack.Acknowledged)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindConnectionRefused, apiErr.Kind)
}

func TestForceCloseNodeConnectionsRespectsMax(t *testing.T) {
	closes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			closes++
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"name": "c1", "node": "rabbit-1", "state": "running"},
			{"name": "c2", "node": "rabbit-1", "state": "running"},
			{"name": "c3", "node": "rabbit-1", "state": "running"},
		})
	}))
	defer server.Close()

	client := New("admin", "secret", time.Second)
	result, err := client.ForceCloseNodeConnections(context.Background(), server.URL, "rabbit-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Closed)
	assert.Equal(t, 2, closes)
}
