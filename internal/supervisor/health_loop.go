package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/livesup/internal/health"
	"github.com/loykin/livesup/internal/metrics"
	"github.com/loykin/livesup/internal/service"
)

// healthLoop probes every live service each interval. It runs as a suture
// service beside the listener.
type healthLoop struct {
	s        *Supervisor
	interval time.Duration
}

func (h *healthLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if h.s.Running() {
				h.s.CheckHealth(ctx)
			}
		}
	}
}

func (h *healthLoop) String() string { return "health-loop" }

// CheckHealth probes all services that are not stopped and applies the
// results. Probes run concurrently so one pass takes at most one check
// timeout. Health failures never restart a process; restarts follow exits.
func (s *Supervisor) CheckHealth(ctx context.Context) map[string]health.Result {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]health.Result)
	)
	for _, m := range s.Services() {
		if m.Stopped() {
			continue
		}
		wg.Add(1)
		go func(m *service.Managed) {
			defer wg.Done()
			r := s.checker.Check(ctx, m)
			apply(m, r)
			mu.Lock()
			results[m.Name()] = r
			mu.Unlock()
		}(m)
	}
	wg.Wait()
	return results
}

func apply(m *service.Managed, r health.Result) {
	switch {
	case r.Skipped:
		metrics.ObserveHealthCheck(m.Name(), "skipped")
	case r.Healthy:
		metrics.ObserveHealthCheck(m.Name(), "healthy")
		m.MarkHealthy()
	default:
		metrics.ObserveHealthCheck(m.Name(), "unhealthy")
		m.MarkUnhealthy(r.Reason)
	}
}
