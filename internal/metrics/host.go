package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dkeye/Plaza/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostStats is the latest host sample.
type HostStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMb"`
	SystemMB   float64 `json:"systemMemoryMb"`
	// Storage is nil when the mount could not be read.
	Storage *StorageStats `json:"storage"`
}

type StorageStats struct {
	MountPoint  string  `json:"mountPoint"`
	TotalGB     float64 `json:"totalGB"`
	UsedGB      float64 `json:"usedGB"`
	AvailableGB float64 `json:"availableGB"`
	UsedPercent float64 `json:"usedPercent"`
}

// memoryWarnMB is the RSS above which every sample logs a warning.
const memoryWarnMB = 1024

// Sampler refreshes HostStats in the background so HTTP handlers never block
// on cpu.Percent.
type Sampler struct {
	Interval time.Duration
	// MountPoint is the filesystem reported as storage; "/" when empty.
	MountPoint string

	mu    sync.RWMutex
	stats HostStats
}

func (s *Sampler) Stats() HostStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Str("module", "metrics").Msg("process handle unavailable, using system memory")
		proc = nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.sample(ctx, proc)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sampler) sample(ctx context.Context, proc *process.Process) {
	var next HostStats
	if pct, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(pct) > 0 {
		next.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		next.SystemMB = float64(vmem.Used) / 1024 / 1024
	}
	if proc != nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			next.MemoryMB = float64(info.RSS) / 1024 / 1024
		}
	} else {
		next.MemoryMB = next.SystemMB
	}
	mount := s.MountPoint
	if mount == "" {
		mount = "/"
	}
	if u, err := disk.UsageWithContext(ctx, mount); err == nil {
		const gb = 1 << 30
		next.Storage = &StorageStats{
			MountPoint:  u.Path,
			TotalGB:     float64(u.Total) / gb,
			UsedGB:      float64(u.Used) / gb,
			AvailableGB: float64(u.Free) / gb,
			UsedPercent: u.UsedPercent,
		}
	}
	if next.MemoryMB > memoryWarnMB {
		log.Warn().Str("module", "metrics").Str("code", string(domain.CodeMemoryWarning)).Float64("rss_mb", next.MemoryMB).Msg("memory usage high")
	}

	s.mu.Lock()
	s.stats = next
	s.mu.Unlock()
}
