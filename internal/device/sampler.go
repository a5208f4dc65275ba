package device

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/SallyKAN/device-relay/internal/types"
)

// slowRTT is the round trip at which network strength bottoms out.
const slowRTT = 2 * time.Second

// ProbeFunc measures the round trip to the coordinator.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// Sampler produces performance samples from host statistics.
type Sampler struct {
	probe ProbeFunc

	mu        sync.Mutex
	lastBytes uint64
	lastAt    time.Time
}

// NewSampler creates a sampler. probe may be nil, in which case response
// time is not measured and the network is assumed healthy.
func NewSampler(probe ProbeFunc) *Sampler {
	return &Sampler{probe: probe}
}

// Sample reads CPU, memory and network counters. Readings that fail are
// left at zero. Battery level is not reported.
func (s *Sampler) Sample(ctx context.Context) types.DevicePerformance {
	now := time.Now()
	perf := types.DevicePerformance{NetworkStrength: 1, LastMeasured: now}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		perf.CPUUsage = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		perf.MemoryUsage = vm.UsedPercent
	}
	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		perf.Throughput = s.throughput(counters[0].BytesSent+counters[0].BytesRecv, now)
	}
	if s.probe != nil {
		rtt, err := s.probe(ctx)
		if err != nil {
			perf.NetworkStrength = 0.1
		} else {
			perf.ResponseTime = float64(rtt) / float64(time.Millisecond)
			perf.NetworkStrength = networkStrength(rtt)
		}
	}
	return perf
}

// throughput returns bytes per second since the previous sample.
func (s *Sampler) throughput(total uint64, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.lastBytes, s.lastAt = total, now }()
	if s.lastAt.IsZero() || total < s.lastBytes {
		return 0
	}
	elapsed := now.Sub(s.lastAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-s.lastBytes) / elapsed
}

// networkStrength maps a round trip onto [0.1, 1].
func networkStrength(rtt time.Duration) float64 {
	return max(0.1, min(1, 1-float64(rtt)/float64(slowRTT)))
}
