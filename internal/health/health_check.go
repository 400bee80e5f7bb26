package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// ReplicationProvider reports the replication status of a domain
type ReplicationProvider interface {
	ReplicationHealth() model.ReplicationHealth
}

// HealthChecker performs health checks for the replication node
type HealthChecker struct {
	config      HealthCheckConfig
	replication ReplicationProvider
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	health      model.ReplicationHealth
	livenessOK  bool
	readinessOK bool
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
	NodeID         string
	StateDir       string
	Interval       time.Duration
	MaxDiskUsage   float64
	MaxMemoryUsage float64
}

// NewHealthChecker creates a new health checker; m may be nil
func NewHealthChecker(cfg HealthCheckConfig, replication ReplicationProvider, m *metrics.Metrics, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &HealthChecker{
		config:      cfg,
		replication: replication,
		metrics:     m,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all checks once and updates the status
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkStateDirWritable(),
		h.checkDiskSpace(ctx),
		h.checkMemoryPressure(ctx),
		h.checkReplication(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	h.livenessOK = true
	h.readinessOK = allReady

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) checkStateDirWritable() CheckResult {
	result := CheckResult{Name: "state_dir_writable", Timestamp: time.Now()}

	info, err := os.Stat(h.config.StateDir)
	if err != nil {
		result.Status, result.Message = StatusCritical, fmt.Sprintf("State directory not accessible: %v", err)
		return result
	}
	if !info.IsDir() {
		result.Status, result.Message = StatusCritical, "State path is not a directory"
		return result
	}

	marker := filepath.Join(h.config.StateDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(marker)
	if err != nil {
		result.Status, result.Message = StatusCritical, fmt.Sprintf("Cannot write to state directory: %v", err)
		return result
	}
	f.Close()
	os.Remove(marker)

	result.Status, result.Message = StatusHealthy, "State directory is writable"
	return result
}

func (h *HealthChecker) checkDiskSpace(ctx context.Context) CheckResult {
	result := CheckResult{Name: "disk_space", Timestamp: time.Now()}

	usage, err := disk.UsageWithContext(ctx, h.config.StateDir)
	if err != nil {
		result.Status, result.Message = StatusWarning, fmt.Sprintf("Failed to read disk usage: %v", err)
		return result
	}

	h.mu.Lock()
	h.health.DiskUsage = usage.UsedPercent
	h.mu.Unlock()

	if usage.UsedPercent/100 > h.config.MaxDiskUsage {
		result.Status = StatusCritical
	} else {
		result.Status = StatusHealthy
	}
	result.Message = fmt.Sprintf("Disk usage: %.2f%%, free: %.2f GB", usage.UsedPercent, float64(usage.Free)/1024/1024/1024)
	return result
}

func (h *HealthChecker) checkMemoryPressure(ctx context.Context) CheckResult {
	result := CheckResult{Name: "memory_pressure", Timestamp: time.Now()}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		result.Status, result.Message = StatusHealthy, "Memory check not available on this platform"
		return result
	}

	h.mu.Lock()
	h.health.MemoryUsage = vm.UsedPercent
	diskUsage := h.health.DiskUsage
	h.mu.Unlock()

	if h.metrics != nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		h.metrics.UpdateSystemStats(diskUsage, ms.Alloc, runtime.NumGoroutine())
	}

	if vm.UsedPercent/100 > h.config.MaxMemoryUsage {
		result.Status = StatusWarning
	} else {
		result.Status = StatusHealthy
	}
	result.Message = fmt.Sprintf("Memory usage: %.2f%%", vm.UsedPercent)
	return result
}

func (h *HealthChecker) checkReplication() CheckResult {
	result := CheckResult{Name: "replication", Timestamp: time.Now()}
	if h.replication == nil {
		result.Status, result.Message = StatusCritical, "Replication domain not started"
		return result
	}

	rh := h.replication.ReplicationHealth()
	h.mu.Lock()
	rh.DiskUsage, rh.MemoryUsage = h.health.DiskUsage, h.health.MemoryUsage
	h.health = rh
	h.mu.Unlock()

	switch {
	case rh.Connected:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Connected to replication server %d", rh.ReplicationServerID)
	case rh.Isolated:
		result.Status = StatusWarning
		result.Message = "No replication server reachable, domain isolated"
	default:
		result.Status = StatusWarning
		result.Message = "Not connected to a replication server"
	}
	return result
}

// IsLive returns whether the node is live
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
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:      h.config.NodeID,
		Status:      h.status,
		Timestamp:   h.lastCheck.Unix(),
		Replication: h.health,
	}
}

// GetChecks returns a copy of the last check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":       ready,
		"status":      status.Status,
		"replication": status.Replication,
		"checks":      h.GetChecks(),
	})
}
