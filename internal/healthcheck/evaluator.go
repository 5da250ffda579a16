// Package healthcheck derives a node's health verdict from raw broker counters.
package healthcheck

import (
	"fmt"
	"math"
	"time"

	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
)

// NodeHealth is the derived, ephemeral health verdict for one node.
type NodeHealth struct {
	NodeID        string
	Running       bool
	MemoryPercent int
	DiskFreeGB    int
	FDPercent     int
	Partitions    []string
	Alarms        []brokerclient.Alarm
	IsHealthy     bool
	Issues        []string
	LastCheck     time.Time
}

// Evaluate is a pure function deriving NodeHealth from raw NodeInfo and cluster alarms.
// Only alarms attributed to this node are attached to the result.
func Evaluate(info brokerclient.NodeInfo, alarms []brokerclient.Alarm) NodeHealth {
	nodeAlarms := make([]brokerclient.Alarm, 0)
	for _, a := range alarms {
		if a.Node == info.ID {
			nodeAlarms = append(nodeAlarms, a)
		}
	}

	health := NodeHealth{
		NodeID:        info.ID,
		Running:       info.Running,
		MemoryPercent: percentOf(info.MemUsed, info.MemLimit),
		DiskFreeGB:    int(math.Floor(float64(info.DiskFree) / (1 << 30))),
		FDPercent:     percentOf(info.FDUsed, info.FDTotal),
		Partitions:    info.Partitions,
		Alarms:        nodeAlarms,
		LastCheck:     time.Now(),
	}

	issues := make([]string, 0)
	if !health.Running {
		issues = append(issues, fmt.Sprintf("node %s is not running", info.ID))
	}
	if len(health.Partitions) > 0 {
		issues = append(issues, fmt.Sprintf("node %s reports %d network partition(s)", info.ID, len(health.Partitions)))
	}
	if len(nodeAlarms) > 0 {
		issues = append(issues, fmt.Sprintf("node %s has %d active alarm(s)", info.ID, len(nodeAlarms)))
	}
	if health.MemoryPercent > 90 {
		issues = append(issues, fmt.Sprintf("node %s memory usage at %d%% exceeds 90%%", info.ID, health.MemoryPercent))
	}
	if health.DiskFreeGB < 1 {
		issues = append(issues, fmt.Sprintf("node %s free disk %dGB is below 1GB", info.ID, health.DiskFreeGB))
	}
	if health.FDPercent > 95 {
		issues = append(issues, fmt.Sprintf("node %s file descriptor usage at %d%% exceeds 95%%", info.ID, health.FDPercent))
	}

	health.Issues = issues
	health.IsHealthy = len(issues) == 0
	return health
}

// CriticalAlarms filters alarms down to the subset that disqualifies a node from
// restart admission: memory, disk, and file-descriptor high-water conditions.
func CriticalAlarms(alarms []brokerclient.Alarm) []brokerclient.Alarm {
	critical := make([]brokerclient.Alarm, 0)
	for _, a := range alarms {
		switch a.Kind {
		case brokerclient.AlarmMemory, brokerclient.AlarmDisk, brokerclient.AlarmFileDescriptor:
			critical = append(critical, a)
		}
	}
	return critical
}

func percentOf(used, limit int64) int {
	if limit == 0 {
		return 0
	}
	return int(math.Round(float64(used) / float64(limit) * 100))
}
