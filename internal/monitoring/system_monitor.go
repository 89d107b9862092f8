package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/portfolio-ws/internal/types"
)

// SystemMonitor samples process resource usage on a fixed interval and
// publishes it to Stats and Prometheus. Measure once, query many times:
// the health endpoint and logs read the cached sample instead of
// re-measuring.
type SystemMonitor struct {
	logger zerolog.Logger
	stats  *types.Stats
	proc   *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor bound to the current process.
func NewSystemMonitor(stats *types.Stats, logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, memory sampling degraded")
		proc = nil
	}

	return &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		stats:  stats,
		proc:   proc,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic sampling.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-sm.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (sm *SystemMonitor) Stop() {
	sm.cancel()
	sm.wg.Wait()
}

func (sm *SystemMonitor) sample() {
	cpuPct := 0.0
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	var memBytes int64
	if sm.proc != nil {
		if mi, err := sm.proc.MemoryInfo(); err == nil {
			memBytes = int64(mi.RSS)
		}
	}
	if memBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		memBytes = int64(ms.Alloc)
	}

	numGoroutines := runtime.NumGoroutine()

	sm.stats.Mu.Lock()
	sm.stats.CPUPercent = cpuPct
	sm.stats.MemoryMB = float64(memBytes) / (1024 * 1024)
	sm.stats.Goroutines = numGoroutines
	sm.stats.Mu.Unlock()

	UpdateResourceMetrics(cpuPct, memBytes, numGoroutines)

	sm.logger.Debug().
		Float64("cpu_percent", cpuPct).
		Float64("memory_mb", float64(memBytes)/(1024*1024)).
		Int("goroutines", numGoroutines).
		Msg("System metrics updated")
}
