package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/bridge"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// healthCacheTTL bounds how often the probes run; the endpoint is polled
// by dashboards and load balancers.
const healthCacheTTL = 5 * time.Second

type resourceHealth struct {
	Status      string  `json:"status"`
	UsedPercent float64 `json:"usedPercent,omitempty"`
}

type dependencyHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type brokerHealth struct {
	Status  string          `json:"status"`
	Details bridge.Snapshot `json:"details"`
}

type healthReport struct {
	OverallStatus string           `json:"overallStatus"`
	CPU           resourceHealth   `json:"cpu"`
	Memory        resourceHealth   `json:"memory"`
	Storage       resourceHealth   `json:"storage"`
	Database      dependencyHealth `json:"database"`
	Broker        brokerHealth     `json:"broker"`
	CheckedAt     time.Time        `json:"checkedAt"`
}

type healthChecker struct {
	db      Pinger
	metrics *bridge.Metrics

	mu      sync.Mutex
	cached  healthReport
	expires time.Time
}

func newHealthHandler(db Pinger, metrics *bridge.Metrics) http.HandlerFunc {
	checker := &healthChecker{db: db, metrics: metrics}

	return func(w http.ResponseWriter, r *http.Request) {
		report := checker.report(r.Context())

		status := http.StatusOK
		if report.OverallStatus == "unhealthy" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, response{Success: report.OverallStatus != "unhealthy", Data: report})
	}
}

func (h *healthChecker) report(ctx context.Context) healthReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(h.expires) {
		return h.cached
	}

	h.cached = h.probe(ctx)
	h.expires = now.Add(healthCacheTTL)

	return h.cached
}

// resourceStatus classifies a utilisation percentage.
func resourceStatus(usedPercent float64) string {
	switch {
	case usedPercent >= 95:
		return "unhealthy"
	case usedPercent >= 85:
		return "degraded"
	default:
		return "healthy"
	}
}

func (h *healthChecker) probe(ctx context.Context) healthReport {
	report := healthReport{
		CPU:       resourceHealth{Status: "healthy"},
		Memory:    resourceHealth{Status: "healthy"},
		Storage:   resourceHealth{Status: "healthy"},
		Database:  dependencyHealth{Status: "healthy"},
		CheckedAt: time.Now().UTC(),
	}

	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		report.CPU.UsedPercent = percentages[0]
		report.CPU.Status = resourceStatus(percentages[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.Memory.UsedPercent = vm.UsedPercent
		report.Memory.Status = resourceStatus(vm.UsedPercent)
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		report.Storage.UsedPercent = usage.UsedPercent
		report.Storage.Status = resourceStatus(usage.UsedPercent)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.db.Ping(pingCtx); err != nil {
		report.Database.Status = "unhealthy"
		report.Database.Error = err.Error()
	}

	snapshot := h.metrics.Snapshot()
	report.Broker = brokerHealth{Status: "healthy", Details: snapshot}
	if snapshot.CircuitBreakerOpen {
		report.Broker.Status = "degraded"
	}
	if !snapshot.Connected {
		report.Broker.Status = "unhealthy"
	}

	report.OverallStatus = overall(
		report.CPU.Status,
		report.Memory.Status,
		report.Storage.Status,
		report.Database.Status,
		report.Broker.Status,
	)

	return report
}

// overall is the worst of the component states. The database going away
// makes the whole service unhealthy; everything else degrades it.
func overall(statuses ...string) string {
	result := "healthy"
	for _, s := range statuses {
		if s == "unhealthy" {
			return "unhealthy"
		}
		if s == "degraded" {
			result = "degraded"
		}
	}
	return result
}
