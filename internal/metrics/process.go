package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory figures for a single process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleProcess reads the current resource usage of pid and, when name is set
// and metrics are registered, publishes it to the process gauges.
func SampleProcess(ctx context.Context, name string, pid int32) (*ProcessMetrics, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	threads, _ := p.NumThreadsWithContext(ctx)

	m := &ProcessMetrics{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if name != "" && regOK.Load() {
		processCPU.WithLabelValues(name).Set(cpu)
		processRSS.WithLabelValues(name).Set(float64(mem.RSS))
	}
	return m, nil
}
