package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/orchestrator"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.orch.Start(r.Context(), orchestrator.StartOptions{
		DryRun:         req.DryRun,
		Force:          req.Force,
		Reason:         req.Reason,
		SkipValidation: req.SkipValidation,
	})
	if err != nil {
		var denied *orchestrator.AdmissionDeniedError
		switch {
		case errors.As(err, &denied):
			WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrAlreadyActive):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.statusRep.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.orch.Cancel(r.Context(), req.Reason); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	canRestart, reasons := s.orch.ValidateOnly(r.Context())
	if !canRestart {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"canRestart": false, "reasons": reasons})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"canRestart": true, "reasons": reasons})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	runs := s.orch.History()
	if len(runs) == 0 {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "not implemented"})
		return
	}
	WriteJSON(w, http.StatusOK, runs)
}

type nodeStatus struct {
	NodeID      string   `json:"nodeId"`
	Name        string   `json:"name"`
	Running     bool     `json:"running"`
	Connections int      `json:"connections"`
	Partitions  []string `json:"partitions"`
	Err         string   `json:"error,omitempty"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	nodes := s.cfg.OrderedNodes()
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		st := nodeStatus{NodeID: n.ID, Name: n.Name}
		info, err := s.broker.GetNode(r.Context(), s.base, n.ID)
		if err != nil {
			st.Err = err.Error()
			out = append(out, st)
			continue
		}
		st.Running = info.Running
		st.Partitions = info.Partitions
		count, err := s.broker.GetConnectionCount(r.Context(), s.base, n.ID)
		if err == nil {
			st.Connections = count
		}
		out = append(out, st)
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	checkSSH, _ := strconv.ParseBool(r.URL.Query().Get("checkSSH"))

	verdict, err := s.validator.ValidateClusterHealth(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload := map[string]any{
		"healthy":         verdict.Healthy,
		"canRestart":      verdict.CanRestart,
		"reasons":         verdict.Reasons,
		"totalNodes":      verdict.TotalNodes,
		"healthyNodes":    verdict.HealthyNodes,
		"allNodesHealthy": verdict.AllNodesHealthy,
	}

	if checkSSH {
		results := make(map[string]string, len(s.cfg.OrderedNodes()))
		for _, n := range s.cfg.OrderedNodes() {
			target := hostexec.Target{HostIP: n.HostIP, SSHPort: n.SSHPort}
			if err := s.host.Dial(target); err != nil {
				results[n.Name] = fmt.Sprintf("unreachable: %v", err)
			} else {
				results[n.Name] = "reachable"
			}
		}
		payload["sshReachability"] = results
	}

	switch {
	case verdict.AllNodesHealthy:
		WriteJSON(w, http.StatusOK, payload)
	case verdict.HealthyNodes > 0:
		WriteJSON(w, http.StatusMultiStatus, payload)
	default:
		WriteJSON(w, http.StatusServiceUnavailable, payload)
	}
}

func (s *Server) handleNodeMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.cfg.NodeByID(id); !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", id))
		return
	}

	var req MaintenanceRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ack, err := s.broker.SetMaintenanceMode(r.Context(), s.base, id, req.Maintenance, req.Reason)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, ack)
}

func (s *Server) handleNodeOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		node, ok := s.cfg.NodeByID(id)
		if !ok {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", id))
			return
		}

		var req NodeOpRequest
		if err := decode(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		target := hostexec.Target{HostIP: node.HostIP, SSHPort: node.SSHPort}
		command := fmt.Sprintf("systemctl %s %s", op, s.cfg.SystemdServiceName)
		out, err := s.host.Execute(target, command, hostexec.Options{Sudo: true, Timeout: 45 * time.Second})
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"node": node.Name, "op": op, "output": out})
	}
}

type nodeProbe struct {
	Uptime   string `json:"uptime"`
	LoadAvg  string `json:"loadAvg"`
	MemInfo  string `json:"memInfo"`
	DiskFree string `json:"diskFree"`
}

func (s *Server) handleNodeProbe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, ok := s.cfg.NodeByID(id)
	if !ok {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", id))
		return
	}

	target := hostexec.Target{HostIP: node.HostIP, SSHPort: node.SSHPort}
	opts := hostexec.Options{Timeout: 10 * time.Second}

	probe := nodeProbe{}
	if out, err := s.host.Execute(target, "uptime", opts); err == nil {
		probe.Uptime = strings.TrimSpace(out)
	}
	if out, err := s.host.Execute(target, "cat /proc/loadavg", opts); err == nil {
		probe.LoadAvg = strings.TrimSpace(out)
	}
	if out, err := s.host.Execute(target, "cat /proc/meminfo", opts); err == nil {
		probe.MemInfo = strings.TrimSpace(out)
	}
	if out, err := s.host.Execute(target, "df -h /", opts); err == nil {
		probe.DiskFree = strings.TrimSpace(out)
	}

	WriteJSON(w, http.StatusOK, probe)
}
