package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks one downstream service.
type Probe func(ctx context.Context) error

// ServiceStatus is the last observed state of one service.
type ServiceStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at,omitempty"`
}

// HealthReport is the GET /health body.
type HealthReport struct {
	Status   string                   `json:"status"`
	Services map[string]ServiceStatus `json:"services"`
}

// HealthMonitor probes downstream services in the background and serves
// the last snapshot. Services in the critical set make the gateway
// unhealthy when down; everything else only degrades it.
type HealthMonitor struct {
	probes   map[string]Probe
	critical map[string]bool
	interval time.Duration
	logger   *slog.Logger
	snapshot atomic.Pointer[HealthReport]
}

func NewHealthMonitor(probes map[string]Probe, critical []string, interval time.Duration, logger *slog.Logger) *HealthMonitor {
	criticalSet := make(map[string]bool, len(critical))
	for _, name := range critical {
		criticalSet[name] = true
	}
	m := &HealthMonitor{
		probes:   probes,
		critical: criticalSet,
		interval: interval,
		logger:   logger,
	}
	m.snapshot.Store(&HealthReport{Status: "unhealthy", Services: map[string]ServiceStatus{}})
	return m
}

// Run probes until ctx is cancelled. The first round runs immediately.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.probeAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *HealthMonitor) probeAll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	services := make(map[string]ServiceStatus, len(m.probes))

	var wg sync.WaitGroup
	for name, probe := range m.probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			status := ServiceStatus{Available: true, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
			if err := probe(probeCtx); err != nil {
				status.Available = false
				status.Error = err.Error()
			}
			mu.Lock()
			services[name] = status
			mu.Unlock()
		}(name, probe)
	}
	wg.Wait()

	overall := "healthy"
	for name, status := range services {
		if status.Available {
			continue
		}
		if m.critical[name] {
			overall = "unhealthy"
			break
		}
		overall = "degraded"
	}

	previous := m.snapshot.Load()
	if previous.Status != overall {
		m.logger.Info("health status changed", "from", previous.Status, "to", overall)
	}
	m.snapshot.Store(&HealthReport{Status: overall, Services: services})
}

// Report returns the last snapshot.
func (m *HealthMonitor) Report() *HealthReport {
	return m.snapshot.Load()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}
