package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DetailedHealth is the /health response
type DetailedHealth struct {
	Status     string                     `json:"status"`
	NodeID     string                     `json:"node_id"`
	Timestamp  string                     `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Version    string                     `json:"version"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    HealthMetrics              `json:"metrics"`
}

// ComponentHealth is the result of one dependency probe
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthMetrics contains process metrics
type HealthMetrics struct {
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
	GoroutineCount    int     `json:"goroutine_count"`
	ActiveConnections int     `json:"active_connections"`
}

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

type healthCheck struct {
	name     string
	critical bool
	probe    Probe
}

// HealthChecker aggregates dependency probes. A failing critical probe makes
// the service unhealthy, any other failure degraded.
type HealthChecker struct {
	mu sync.RWMutex

	nodeID    string
	version   string
	startTime time.Time
	timeout   time.Duration

	checks      []healthCheck
	connections func() int
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(nodeID, version string) *HealthChecker {
	return &HealthChecker{
		nodeID:    nodeID,
		version:   version,
		startTime: time.Now(),
		timeout:   2 * time.Second,
	}
}

// AddCheck registers a dependency probe
func (hc *HealthChecker) AddCheck(name string, critical bool, probe Probe) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, healthCheck{name: name, critical: critical, probe: probe})
}

// SetConnectionCounter reports open client connections in the health metrics
func (hc *HealthChecker) SetConnectionCounter(fn func() int) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.connections = fn
}

// GetDetailedHealth runs every probe concurrently
func (hc *HealthChecker) GetDetailedHealth(ctx context.Context) DetailedHealth {
	hc.mu.RLock()
	checks := hc.checks
	connections := hc.connections
	hc.mu.RUnlock()

	health := DetailedHealth{
		Status:     StatusHealthy,
		NodeID:     hc.nodeID,
		Timestamp:  time.Now().Format(time.RFC3339),
		Uptime:     time.Since(hc.startTime).String(),
		Version:    hc.version,
		Components: make(map[string]ComponentHealth, len(checks)),
		Metrics:    processMetrics(),
	}
	if connections != nil {
		health.Metrics.ActiveConnections = connections()
	}

	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	results := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runProbe(ctx, check.probe)
		}()
	}
	wg.Wait()

	for i, check := range checks {
		result := results[i]
		health.Components[check.name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if check.critical {
			health.Status = StatusUnhealthy
		} else if health.Status == StatusHealthy {
			health.Status = StatusDegraded
		}
	}

	return health
}

func runProbe(ctx context.Context, probe Probe) ComponentHealth {
	start := time.Now()
	err := probe(ctx)
	result := ComponentHealth{Status: StatusHealthy, Latency: time.Since(start).String()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

func processMetrics() HealthMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return HealthMetrics{
		MemoryUsageMB:  float64(mem.Alloc) / 1024 / 1024,
		GoroutineCount: runtime.NumGoroutine(),
	}
}

// LivenessHandler returns 200 while the process is alive
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// DetailedHealthHandler serves the aggregated health. Degraded still answers 200.
func (hc *HealthChecker) DetailedHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.GetDetailedHealth(r.Context())

		status := http.StatusOK
		if health.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
