package discovery

import (
	"math"
	"sort"

	"github.com/SallyKAN/device-relay/internal/types"
)

// PerformanceScore ranks a candidate for performance-based discovery.
func PerformanceScore(p types.DevicePerformance) float64 {
	score := 100.0
	score -= p.CPUUsage * 0.4
	score -= p.MemoryUsage * 0.3
	score *= p.NetworkStrength
	score -= math.Min(50, p.ResponseTime/100)
	return math.Max(0, score)
}

func byStrategy(kind types.DiscoveryType, devices []types.DiscoveredDevice) []types.DiscoveredDevice {
	switch kind {
	case types.DiscoveryCapabilityMatch:
		out := devices[:0:0]
		for _, d := range devices {
			if d.Capabilities.SupportsFileSync {
				out = append(out, d)
			}
		}
		return out

	case types.DiscoveryProximity:
		for i := range devices {
			if d := devices[i].Distance; d != nil {
				devices[i].MatchScore *= 1 - 0.3*math.Min(1, *d/1000)
			}
		}
		sort.SliceStable(devices, func(i, j int) bool {
			a, b := devices[i].Distance, devices[j].Distance
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			}
			return *a < *b
		})
		return devices

	case types.DiscoveryPerformance:
		sort.SliceStable(devices, func(i, j int) bool {
			return PerformanceScore(devices[i].Performance) > PerformanceScore(devices[j].Performance)
		})
		return devices
	}
	return devices
}
