// Package health reports liveness and readiness of a node.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/util/fdlimit"
)

// Status is the overall health of a node.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check result states.
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// RingState is the part of the ring service the health checker looks at.
type RingState interface {
	RingCount() int
	ShuttingDown() bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	Interval time.Duration
}

// HealthChecker performs health checks for the node
type HealthChecker struct {
	nodeID      string
	interval    time.Duration
	rings       RingState
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
	draining    bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, rings RingState, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		interval:    interval,
		rings:       rings,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      StatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks once.
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkShutdown,
		h.checkRings,
		h.checkFileDescriptors,
	}
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != CheckHealthy {
			allHealthy = false
			if result.Status == CheckCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = StatusHealthy
	case allReady:
		h.status = StatusDegraded
	default:
		h.status = StatusUnhealthy
	}

	h.livenessOK = true
	h.readinessOK = allReady && !h.draining

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) checkShutdown() CheckResult {
	if h.rings.ShuttingDown() {
		return CheckResult{
			Name:      "rings_accepting",
			Status:    CheckCritical,
			Message:   "Rings are shutting down",
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "rings_accepting",
		Status:    CheckHealthy,
		Message:   "Accepting joins and envelopes",
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkRings() CheckResult {
	return CheckResult{
		Name:      "rings",
		Status:    CheckHealthy,
		Message:   fmt.Sprintf("%d rings hosted", h.rings.RingCount()),
		Timestamp: time.Now(),
	}
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	cur, max, err := fdlimit.Get()
	if err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    CheckWarning,
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	// Only Linux exposes /proc/self/fd.
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || cur == 0 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    CheckHealthy,
			Message:   fmt.Sprintf("Soft limit: %d, hard limit: %d", cur, max),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(cur) * 100

	if usagePercent > 90 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    CheckWarning,
			Message:   fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, cur),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "file_descriptors",
		Status:    CheckHealthy,
		Message:   fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, cur),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness marks the node as (not) ready independently of the checks, for
// graceful shutdown.
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = !ready
	h.readinessOK = ready
}

// LivenessResponse is the body of GET /health.
type LivenessResponse struct {
	Healthy bool   `json:"healthy"`
	NodeID  string `json:"node_id"`
	Status  Status `json:"status"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Ready  bool                   `json:"ready"`
	NodeID string                 `json:"node_id"`
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := LivenessResponse{Healthy: h.livenessOK, NodeID: h.nodeID, Status: h.status}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Ready:  h.IsReady(),
		NodeID: h.nodeID,
		Status: h.GetStatus(),
		Checks: h.GetChecks(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
