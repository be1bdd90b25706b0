package handler

import (
	"context"
	"io"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/tetherdev/tether/internal/codec"
	"github.com/tetherdev/tether/internal/mux"
)

const minMetricsInterval = 250 * time.Millisecond

// Sample is one snapshot of device health. A metrics session carries a
// CBOR stream of samples.
type Sample struct {
	TimeMillis   int64         `cbor:"time_ms"`
	Hostname     string        `cbor:"hostname"`
	OS           string        `cbor:"os"`
	Platform     string        `cbor:"platform,omitempty"`
	Arch         string        `cbor:"arch"`
	UptimeSecs   uint64        `cbor:"uptime_secs"`
	CPU          CPUStats      `cbor:"cpu"`
	Memory       MemoryStats   `cbor:"memory"`
	Disk         DiskStats     `cbor:"disk"`
	Network      NetworkStats  `cbor:"network"`
	Temperatures []Temperature `cbor:"temperatures,omitempty"`
}

type CPUStats struct {
	UsagePercent float64     `cbor:"usage_percent"`
	Cores        int         `cbor:"cores"`
	LoadAvg      [3]float64  `cbor:"load_avg"`
	PerCore      []CoreUsage `cbor:"per_core,omitempty"`
}

type CoreUsage struct {
	ID           int     `cbor:"id"`
	UsagePercent float64 `cbor:"usage_percent"`
}

type MemoryStats struct {
	TotalBytes   uint64  `cbor:"total_bytes"`
	UsedBytes    uint64  `cbor:"used_bytes"`
	UsagePercent float64 `cbor:"usage_percent"`
}

type DiskStats struct {
	Path         string  `cbor:"path"`
	TotalBytes   uint64  `cbor:"total_bytes"`
	UsedBytes    uint64  `cbor:"used_bytes"`
	UsagePercent float64 `cbor:"usage_percent"`
}

type NetworkStats struct {
	RxBytesPerSec float64          `cbor:"rx_bps"`
	TxBytesPerSec float64          `cbor:"tx_bps"`
	Interfaces    []InterfaceStats `cbor:"interfaces,omitempty"`
}

type InterfaceStats struct {
	Name    string `cbor:"name"`
	RxBytes uint64 `cbor:"rx_bytes"`
	TxBytes uint64 `cbor:"tx_bytes"`
}

type Temperature struct {
	Sensor  string  `cbor:"sensor"`
	Celsius float64 `cbor:"celsius"`
}

// Sampler collects Samples. CPU usage and network rates are computed
// against the previous call, so each session owns its own Sampler.
type Sampler struct {
	DiskPath string

	prevTotal cpu.TimesStat
	prevCores []cpu.TimesStat
	prevNet   psnet.IOCountersStat
	prevAt    time.Time
}

// NewSampler returns a Sampler primed with the current counters.
func NewSampler() *Sampler {
	s := &Sampler{DiskPath: "/"}
	if runtime.GOOS == "windows" {
		s.DiskPath = `C:\`
	}
	ctx := context.Background()
	if t, err := cpu.TimesWithContext(ctx, false); err == nil && len(t) > 0 {
		s.prevTotal = t[0]
	}
	if t, err := cpu.TimesWithContext(ctx, true); err == nil {
		s.prevCores = t
	}
	if n, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(n) > 0 {
		s.prevNet = n[0]
	}
	s.prevAt = time.Now()
	return s
}

// Sample takes a snapshot. Collectors that fail on this platform leave
// their section zero.
func (s *Sampler) Sample(ctx context.Context) Sample {
	now := time.Now()
	out := Sample{
		TimeMillis: now.UnixMilli(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		out.Hostname = info.Hostname
		out.UptimeSecs = info.Uptime
		out.Platform = info.Platform
		if info.PlatformVersion != "" {
			out.Platform += " " + info.PlatformVersion
		}
	}

	out.CPU.Cores = runtime.NumCPU()
	if t, err := cpu.TimesWithContext(ctx, false); err == nil && len(t) > 0 {
		out.CPU.UsagePercent = busyPercent(s.prevTotal, t[0])
		s.prevTotal = t[0]
	}
	if t, err := cpu.TimesWithContext(ctx, true); err == nil {
		out.CPU.PerCore = make([]CoreUsage, 0, len(t))
		for i, cur := range t {
			var prev cpu.TimesStat
			if i < len(s.prevCores) {
				prev = s.prevCores[i]
			}
			out.CPU.PerCore = append(out.CPU.PerCore, CoreUsage{ID: i, UsagePercent: busyPercent(prev, cur)})
		}
		s.prevCores = t
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.CPU.LoadAvg = [3]float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.Memory = MemoryStats{TotalBytes: vm.Total, UsedBytes: vm.Used, UsagePercent: vm.UsedPercent}
	}

	if du, err := disk.UsageWithContext(ctx, s.DiskPath); err == nil {
		out.Disk = DiskStats{Path: s.DiskPath, TotalBytes: du.Total, UsedBytes: du.Used, UsagePercent: du.UsedPercent}
	}

	if all, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(all) > 0 {
		if elapsed := now.Sub(s.prevAt).Seconds(); elapsed > 0 {
			out.Network.RxBytesPerSec = float64(delta(s.prevNet.BytesRecv, all[0].BytesRecv)) / elapsed
			out.Network.TxBytesPerSec = float64(delta(s.prevNet.BytesSent, all[0].BytesSent)) / elapsed
		}
		s.prevNet = all[0]
	}
	if nics, err := psnet.IOCountersWithContext(ctx, true); err == nil {
		for _, nic := range nics {
			if nic.BytesRecv == 0 && nic.BytesSent == 0 {
				continue
			}
			out.Network.Interfaces = append(out.Network.Interfaces, InterfaceStats{Name: nic.Name, RxBytes: nic.BytesRecv, TxBytes: nic.BytesSent})
		}
	}
	s.prevAt = now

	if temps, err := sensors.TemperaturesWithContext(ctx); err == nil {
		for _, t := range temps {
			if t.Temperature <= 0 {
				continue
			}
			out.Temperatures = append(out.Temperatures, Temperature{Sensor: t.SensorKey, Celsius: t.Temperature})
		}
	}
	return out
}

func busyPercent(prev, cur cpu.TimesStat) float64 {
	idle := func(t cpu.TimesStat) float64 { return t.Idle + t.Iowait }
	total := func(t cpu.TimesStat) float64 {
		return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	}
	dt := total(cur) - total(prev)
	if dt <= 0 {
		return 0
	}
	busy := dt - (idle(cur) - idle(prev))
	return min(100, max(0, busy/dt*100))
}

func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func (d *Dispatcher) serveMetrics(s *mux.Session) {
	interval := d.policy.MetricsInterval
	if p := s.Params().Metrics; p != nil && p.IntervalMillis > 0 {
		interval = max(time.Duration(p.IntervalMillis)*time.Millisecond, minMetricsInterval)
	}

	ctx, cancel := context.WithCancel(s.Context())
	defer cancel()
	// The operator stops the stream by closing its side.
	go func() {
		_, _ = io.Copy(io.Discard, s)
		cancel()
	}()

	sampler := NewSampler()
	enc := codec.NewEncoder(s)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := enc.Encode(sampler.Sample(ctx)); err != nil {
			if ctx.Err() == nil {
				d.log.Debug("metrics stream ended", "channel", s.ID(), "err", err)
			}
			break
		}
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-ticker.C:
		}
	}
	_ = s.Close()
}
