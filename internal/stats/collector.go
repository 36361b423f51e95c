package stats

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

type SystemStats struct {
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	Platform    string  `json:"platform"`
	Kernel      string  `json:"kernel"`
	CPUCount    int     `json:"cpu_count"`
	CPUUsage    float64 `json:"cpu_usage"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	RAMUsage    float64 `json:"ram_usage"`
	RAMTotal    uint64  `json:"ram_total"`
	RAMUsed     uint64  `json:"ram_used"`
	DiskTotal   uint64  `json:"disk_total"`
	DiskUsed    uint64  `json:"disk_used"`
	Uptime      uint64  `json:"uptime"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
	CollectedAt int64   `json:"collected_at"`
}

// Collector samples host statistics. Network counters are reported as the
// delta since the previous sample.
type Collector struct {
	mu        sync.Mutex
	diskPath  string
	sample    time.Duration
	lastNetRx uint64
	lastNetTx uint64
}

func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{diskPath: diskPath, sample: time.Second}
}

// Collect never fails on a single missing metric; unavailable values stay
// zero.
func (c *Collector) Collect(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{
		CPUCount:    runtime.NumCPU(),
		CollectedAt: time.Now().Unix(),
	}

	if pct, err := cpu.PercentWithContext(ctx, c.sample, false); err == nil && len(pct) > 0 {
		stats.CPUUsage = pct[0]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.RAMUsage = vm.UsedPercent
		stats.RAMTotal = vm.Total
		stats.RAMUsed = vm.Used
	}

	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		stats.DiskTotal = usage.Total
		stats.DiskUsed = usage.Used
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		stats.Uptime = info.Uptime
		stats.Hostname = info.Hostname
		stats.OS = info.OS
		stats.Platform = info.Platform
		stats.Kernel = info.KernelVersion
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		c.mu.Lock()
		if c.lastNetRx > 0 || c.lastNetTx > 0 {
			stats.NetworkRx = counters[0].BytesRecv - c.lastNetRx
			stats.NetworkTx = counters[0].BytesSent - c.lastNetTx
		}
		c.lastNetRx = counters[0].BytesRecv
		c.lastNetTx = counters[0].BytesSent
		c.mu.Unlock()
	}

	return stats, nil
}
