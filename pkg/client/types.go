package client

import (
	"time"

	"github.com/goccy/go-json"
)

// ServiceStatus is the supervisor's view of one managed service.
type ServiceStatus struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	PID                 int        `json:"pid,omitempty"`
	Healthy             bool       `json:"healthy"`
	HealthState         string     `json:"healthState"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastHealthCheck     *time.Time `json:"lastHealthCheck"`
	RestartCount        int        `json:"restartCount"`
	LastStart           *time.Time `json:"lastStart"`
	BackoffMs           int64      `json:"backoffMs"`
	Stopped             bool       `json:"stopped"`
	LastReason          string     `json:"lastReason,omitempty"`
}

// NodeStatus is a connected (or recently connected) node.
type NodeStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// ProcessResources is a CPU and memory sample of a service process.
type ProcessResources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the body of GET /status.
type Status struct {
	Running   bool                         `json:"running"`
	Addr      string                       `json:"addr,omitempty"`
	Services  map[string]ServiceStatus     `json:"services"`
	Nodes     []NodeStatus                 `json:"nodes"`
	Resources map[string]*ProcessResources `json:"resources,omitempty"`
}

// ErrorResponse is the body of a failed HTTP request.
type ErrorResponse struct {
	Error string `json:"error"`
}

type uiRequest struct {
	Type    string            `json:"type"`
	CallID  string            `json:"callId"`
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Args    []json.RawMessage `json:"args"`
}

type uiResponse struct {
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
