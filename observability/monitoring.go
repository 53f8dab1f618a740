package observability

import (
	"chat-sync/contract"
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
)

// HubStats is the size of the topic hub at one instant.
type HubStats struct {
	Connections int `json:"connections"`
	Topics      int `json:"topics"`
	Online      int `json:"online"`
}

// MonitoringStats is the last sample served by the inspect endpoint.
type MonitoringStats struct {
	HubStats
	Goroutines int       `json:"goroutines"`
	AllocMemMb uint64    `json:"alloc_mem_mb"`
	NumGC      uint32    `json:"num_gc"`
	RSSMb      uint64    `json:"rss_mb"`
	CPUPercent float64   `json:"cpu_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}

type HubStatsSource interface {
	Stats() HubStats
}

// MonitoringManager samples the hub and the process on a fixed interval.
type MonitoringManager struct {
	log         *slog.Logger
	source      HubStatsSource
	interval    time.Duration
	process     *process.Process
	mu          sync.RWMutex
	latestStats MonitoringStats
}

var _ contract.Worker = (*MonitoringManager)(nil)

func NewMonitoringManager(log *slog.Logger, source HubStatsSource, interval time.Duration) *MonitoringManager {
	return &MonitoringManager{log: log, source: source, interval: interval}
}

func (mm *MonitoringManager) Run(ctx context.Context) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	mm.process = p

	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()

	mm.updateStats()
	for {
		select {
		case <-ctx.Done():
			mm.log.Info("Monitoring manager stopped")
			return nil
		case <-ticker.C:
			mm.updateStats()
		}
	}
}

func (mm *MonitoringManager) updateStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	stats := MonitoringStats{
		HubStats:   mm.source.Stats(),
		Goroutines: runtime.NumGoroutine(),
		AllocMemMb: m.Alloc / 1024 / 1024,
		NumGC:      m.NumGC,
		SampledAt:  time.Now().UTC(),
	}
	if rss, cpu, err := selfStats(mm.process); err != nil {
		mm.log.Debug("Failed to collect self stats", "error", err)
	} else {
		stats.RSSMb, stats.CPUPercent = rss/1024/1024, cpu
	}

	mm.mu.Lock()
	mm.latestStats = stats
	mm.mu.Unlock()

	mm.log.Debug("Stats updated",
		"connections", stats.Connections,
		"topics", stats.Topics,
		"online", stats.Online,
		"mem_mb", stats.AllocMemMb,
	)
}

func (mm *MonitoringManager) GetLatest() MonitoringStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latestStats
}

// AsMap flattens the latest sample for JSON handlers.
func (mm *MonitoringManager) AsMap() map[string]any {
	stats := mm.GetLatest()
	return map[string]any{
		"connections":  stats.Connections,
		"topics":       stats.Topics,
		"online":       stats.Online,
		"goroutines":   stats.Goroutines,
		"alloc_mem_mb": stats.AllocMemMb,
		"num_gc":       stats.NumGC,
		"rss_mb":       stats.RSSMb,
		"cpu_percent":  stats.CPUPercent,
		"sampled_at":   stats.SampledAt,
	}
}

func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
