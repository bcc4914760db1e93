package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
)

// ReportSource contributes fields to every runtime report.
type ReportSource func() Fields

type levelCount struct {
	warns  atomic.Int64
	errors atomic.Int64
}

// reportHook counts warnings and errors per component between reports.
type reportHook struct {
	counts sync.Map // component -> *levelCount
}

func (h *reportHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *reportHook) Fire(entry *logrus.Entry) error {
	component, _ := entry.Data["component"].(string)
	if component == "" {
		component = "main"
	}
	v, _ := h.counts.LoadOrStore(component, &levelCount{})
	c := v.(*levelCount)
	if entry.Level == logrus.WarnLevel {
		c.warns.Add(1)
	} else {
		c.errors.Add(1)
	}
	return nil
}

// drain returns and resets the counters.
func (h *reportHook) drain() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	h.counts.Range(func(k, v any) bool {
		c := v.(*levelCount)
		warns, errs := c.warns.Swap(0), c.errors.Swap(0)
		if warns > 0 || errs > 0 {
			out[k.(string)] = map[string]int64{"warnings": warns, "errors": errs}
		}
		return true
	})
	return out
}

var (
	reportCPUFn = func(ctx context.Context) ([]float64, error) { return cpu.PercentWithContext(ctx, 0, false) }
	reportMemFn = mem.VirtualMemoryWithContext
	reportNetFn = func(ctx context.Context) ([]gnet.IOCountersStat, error) { return gnet.IOCountersWithContext(ctx, false) }
)

// StartReport logs a runtime report every interval until ctx is done. Each report carries
// host usage, warning and error counts per component since the previous report, and the
// fields of every source.
func StartReport(ctx context.Context, log *Log, interval time.Duration, sources ...ReportSource) {
	if interval <= 0 {
		return
	}
	hook := &reportHook{}
	log.AddHook(hook)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(reportFields(ctx, hook, sources)).Info("runtime report")
			}
		}
	}()
}

func reportFields(ctx context.Context, hook *reportHook, sources []ReportSource) Fields {
	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
		"problems":   hook.drain(),
	}
	if pct, err := reportCPUFn(ctx); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := reportMemFn(ctx); err == nil {
		fields["memory_mb"] = vm.Used / 1024 / 1024
		fields["memory_percent"] = vm.UsedPercent
	}
	if io, err := reportNetFn(ctx); err == nil && len(io) > 0 {
		fields["net_bytes_sent"] = io[0].BytesSent
		fields["net_bytes_recv"] = io[0].BytesRecv
	}
	for _, src := range sources {
		for k, v := range src() {
			fields[k] = v
		}
	}
	return fields
}
