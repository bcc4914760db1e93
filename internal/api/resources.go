package api

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"futuresfleet/logger"
)

// hostSample is one reading of host utilisation.
type hostSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

// hostSampler polls gopsutil on an interval. A nil sampler is inert.
type hostSampler struct {
	samples  *ring[hostSample]
	interval time.Duration
	diskPath string
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHostSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *hostSampler {
	if interval <= 0 {
		return nil
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{
		samples:  newRing[hostSample](limit),
		interval: interval,
		diskPath: diskPath,
		log:      log.WithComponent("host_sampler"),
	}
}

func (s *hostSampler) start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *hostSampler) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *hostSampler) snapshot() []hostSample {
	if s == nil {
		return nil
	}
	return s.samples.snapshot()
}

func (s *hostSampler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// cpu.Percent blocks for the interval, which paces the loop.
		cpuPct, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Debug("cpu sample failed")
			s.pause(ctx)
			continue
		}
		vm, err := memoryStatsFn(ctx)
		if err != nil {
			s.log.WithError(err).Debug("memory sample failed")
			s.pause(ctx)
			continue
		}
		du, err := diskUsageFn(ctx, s.diskPath)
		if err != nil {
			s.log.WithError(err).Debug("disk sample failed")
			s.pause(ctx)
			continue
		}

		sample := hostSample{
			Timestamp:   time.Now().UTC(),
			MemoryUsed:  vm.Used,
			MemoryTotal: vm.Total,
			MemoryPct:   vm.UsedPercent,
			DiskUsed:    du.Used,
			DiskTotal:   du.Total,
			DiskPct:     du.UsedPercent,
		}
		if len(cpuPct) > 0 {
			sample.CPUPercent = cpuPct[0]
		}
		s.samples.push(sample)
	}
}

func (s *hostSampler) pause(ctx context.Context) {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
