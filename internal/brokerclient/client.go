// Package brokerclient implements a typed HTTP Basic-auth client against the
// clustered message broker's management API.
package brokerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NodeInfo is the raw counter set returned by the broker's per-node endpoint.
type NodeInfo struct {
	ID           string
	Running      bool
	Uptime       time.Duration
	MemUsed      int64
	MemLimit     int64
	DiskFree     int64
	DiskFreeLim  int64
	FDUsed       int64
	FDTotal      int64
	SocketsUsed  int64
	SocketsTotal int64
	Partitions   []string
}

// Alarm is a broker-reported condition attributed to a node.
type Alarm struct {
	Kind string
	Node string
}

const (
	AlarmMemory         = "memory_alarm"
	AlarmDisk           = "disk_alarm"
	AlarmFileDescriptor = "file_descriptor_alarm"
)

// Connection describes a single client connection tracked by the broker.
type Connection struct {
	Name  string
	Node  string
	State string
}

// MaintenanceAck is the result of toggling a node's maintenance mode.
type MaintenanceAck struct {
	Acknowledged bool
	Warning      string
}

// ConnectivityResult reports whether a single node's management API answered.
type ConnectivityResult struct {
	Node      string
	Connected bool
	Duration  time.Duration
	Err       error
}

// Kind classifies a broker API error so callers can branch on cause without
// string-matching the error text.
type Kind string

const (
	KindConnectionRefused Kind = "cannot_connect"
	KindUnauthorized      Kind = "authentication_failed"
	KindNotFound          Kind = "endpoint_not_found"
	KindOther             Kind = "other"
)

// APIError wraps a classified failure from the broker management API.
type APIError struct {
	Kind       Kind
	StatusCode int
	Op         string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func classify(op string, resp *http.Response, err error) *APIError {
	if err != nil {
		if isConnRefused(err) {
			return &APIError{Kind: KindConnectionRefused, Op: op, Err: err}
		}
		return &APIError{Kind: KindOther, Op: op, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: KindUnauthorized, Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, Op: op, StatusCode: resp.StatusCode}
	default:
		return &APIError{Kind: KindOther, Op: op, StatusCode: resp.StatusCode}
	}
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		errors.Is(err, context.DeadlineExceeded)
}

// Client is a stateless HTTP Basic-auth client against one broker cluster's
// management API. One instance is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	username   string
	password   string
}

// New builds a Client. apiTimeout bounds every individual request.
func New(username, password string, apiTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: apiTimeout},
		username:   username,
		password:   password,
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// GetNode fetches the raw counter set for one node.
func (c *Client) GetNode(ctx context.Context, managementBase, nodeID string) (NodeInfo, error) {
	url := fmt.Sprintf("%s/api/nodes/%s", managementBase, nodeID)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NodeInfo{}, &APIError{Kind: KindOther, Op: "getNode", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NodeInfo{}, classify("getNode", nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return NodeInfo{}, classify("getNode", resp, nil)
	}

	var raw struct {
		Running          bool     `json:"running"`
		Uptime           int64    `json:"uptime"`
		MemUsed          int64    `json:"mem_used"`
		MemLimit         int64    `json:"mem_limit"`
		DiskFree         int64    `json:"disk_free"`
		DiskFreeLimit    int64    `json:"disk_free_limit"`
		FDUsed           int64    `json:"fd_used"`
		FDTotal          int64    `json:"fd_total"`
		SocketsUsed      int64    `json:"sockets_used"`
		SocketsTotal     int64    `json:"sockets_total"`
		Partitions       []string `json:"partitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return NodeInfo{}, &APIError{Kind: KindOther, Op: "getNode", Err: fmt.Errorf("decode: %w", err)}
	}

	return NodeInfo{
		ID:           nodeID,
		Running:      raw.Running,
		Uptime:       time.Duration(raw.Uptime) * time.Millisecond,
		MemUsed:      raw.MemUsed,
		MemLimit:     raw.MemLimit,
		DiskFree:     raw.DiskFree,
		DiskFreeLim:  raw.DiskFreeLimit,
		FDUsed:       raw.FDUsed,
		FDTotal:      raw.FDTotal,
		SocketsUsed:  raw.SocketsUsed,
		SocketsTotal: raw.SocketsTotal,
		Partitions:   raw.Partitions,
	}, nil
}

// GetAlarms fetches all cluster-wide alarms currently raised.
func (c *Client) GetAlarms(ctx context.Context, managementBase string) ([]Alarm, error) {
	url := fmt.Sprintf("%s/api/alarms", managementBase)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &APIError{Kind: KindOther, Op: "getAlarms", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify("getAlarms", nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, classify("getAlarms", resp, nil)
	}

	var raw []struct {
		Kind string `json:"kind"`
		Node string `json:"node"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &APIError{Kind: KindOther, Op: "getAlarms", Err: fmt.Errorf("decode: %w", err)}
	}

	alarms := make([]Alarm, 0, len(raw))
	for _, a := range raw {
		alarms = append(alarms, Alarm{Kind: a.Kind, Node: a.Node})
	}
	return alarms, nil
}

// GetConnections lists client connections, optionally filtered server-side by node.
func (c *Client) GetConnections(ctx context.Context, managementBase, nodeID string) ([]Connection, error) {
	url := fmt.Sprintf("%s/api/connections", managementBase)
	if nodeID != "" {
		url = fmt.Sprintf("%s?node=%s", url, nodeID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &APIError{Kind: KindOther, Op: "getConnections", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify("getConnections", nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, classify("getConnections", resp, nil)
	}

	var raw []struct {
		Name  string `json:"name"`
		Node  string `json:"node"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &APIError{Kind: KindOther, Op: "getConnections", Err: fmt.Errorf("decode: %w", err)}
	}

	conns := make([]Connection, 0, len(raw))
	for _, r := range raw {
		conns = append(conns, Connection{Name: r.Name, Node: r.Node, State: r.State})
	}
	return conns, nil
}

// GetConnectionCount returns the count of running connections on a node.
// Errors are non-fatal by contract: callers treat 0-with-error as "stop polling".
func (c *Client) GetConnectionCount(ctx context.Context, managementBase, nodeID string) (int, error) {
	conns, err := c.GetConnections(ctx, managementBase, nodeID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, conn := range conns {
		if conn.State == "running" {
			count++
		}
	}
	return count, nil
}

// CloseConnection closes a single named connection.
func (c *Client) CloseConnection(ctx context.Context, managementBase, name string) error {
	url := fmt.Sprintf("%s/api/connections/%s", managementBase, name)
	req, err := c.newRequest(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return &APIError{Kind: KindOther, Op: "closeConnection", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify("closeConnection", nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classify("closeConnection", resp, nil)
	}
	return nil
}

// ForceCloseResult reports the outcome of a forced connection close pass.
type ForceCloseResult struct {
	Closed    int
	Remaining int
}

// ForceCloseNodeConnections closes up to maxToClose running connections on a node,
// swallowing per-connection failures.
func (c *Client) ForceCloseNodeConnections(ctx context.Context, managementBase, nodeID string, maxToClose int) (ForceCloseResult, error) {
	conns, err := c.GetConnections(ctx, managementBase, nodeID)
	if err != nil {
		return ForceCloseResult{}, err
	}

	closed := 0
	for _, conn := range conns {
		if conn.State != "running" {
			continue
		}
		if closed >= maxToClose {
			break
		}
		if err := c.CloseConnection(ctx, managementBase, conn.Name); err == nil {
			closed++
		}
	}

	remaining, err := c.GetConnectionCount(ctx, managementBase, nodeID)
	if err != nil {
		remaining = 0
	}
	return ForceCloseResult{Closed: closed, Remaining: remaining}, nil
}

// SetMaintenanceMode toggles maintenance mode for one node. Only a server that
// responds but does not support the endpoint (404/501) downgrades to a
// warning; connectivity failures and other error statuses are fatal.
func (c *Client) SetMaintenanceMode(ctx context.Context, managementBase, nodeID string, enabled bool, reason string) (MaintenanceAck, error) {
	payload := map[string]any{"maintenance": enabled, "reason": reason}
	body, err := json.Marshal(payload)
	if err != nil {
		return MaintenanceAck{}, &APIError{Kind: KindOther, Op: "setMaintenanceMode", Err: err}
	}

	url := fmt.Sprintf("%s/api/nodes/%s/maintenance", managementBase, nodeID)
	req, err := c.newRequest(ctx, http.MethodPut, url, strings.NewReader(string(body)))
	if err != nil {
		return MaintenanceAck{}, &APIError{Kind: KindOther, Op: "setMaintenanceMode", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return MaintenanceAck{}, classify("setMaintenanceMode", nil, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return MaintenanceAck{Acknowledged: false, Warning: fmt.Sprintf("node %s does not support maintenance mode", nodeID)}, nil
	}
	if resp.StatusCode >= 300 {
		return MaintenanceAck{}, classify("setMaintenanceMode", resp, nil)
	}
	return MaintenanceAck{Acknowledged: true}, nil
}

// TestConnectivity issues one GET managementBase/overview per node ID in turn,
// reporting each result under that node ID. Every probe targets the same
// managementBase URL.
func (c *Client) TestConnectivity(ctx context.Context, managementBase string, nodeIDs []string) []ConnectivityResult {
	results := make([]ConnectivityResult, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		start := time.Now()
		url := fmt.Sprintf("%s/overview", managementBase)
		req, err := c.newRequest(ctx, http.MethodGet, url, nil)
		if err != nil {
			results = append(results, ConnectivityResult{Node: id, Connected: false, Err: err})
			continue
		}

		resp, err := c.httpClient.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			results = append(results, ConnectivityResult{Node: id, Connected: false, Duration: elapsed, Err: err})
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			results = append(results, ConnectivityResult{Node: id, Connected: false, Duration: elapsed, Err: classify("testConnectivity", resp, nil)})
			continue
		}
		results = append(results, ConnectivityResult{Node: id, Connected: true, Duration: elapsed})
	}
	return results
}
