package coordinator

import (
	"math"
	"time"

	"github.com/SallyKAN/device-relay/internal/types"
)

// DevicePriority is the election priority of a device: a base by device
// class plus bonuses for advertised capabilities.
func DevicePriority(info types.DeviceInfo) int {
	var p int
	switch info.Type {
	case types.DeviceTypeDesktop:
		p = 100
	case types.DeviceTypeExtension:
		p = 75
	case types.DeviceTypeMobile:
		p = 50
	}
	c := info.Capabilities
	if c.SupportsFileSync {
		p += 10
	}
	if c.SupportsVoiceCommands {
		p += 5
	}
	if c.SupportsVideoStreaming {
		p += 15
	}
	if c.SupportsNotifications {
		p += 5
	}
	return p
}

// PerformanceScore rates a performance sample for role reassignment and
// best-performance routing. Higher is better; the floor is 0.
func PerformanceScore(p types.DevicePerformance) float64 {
	score := 100.0
	score -= p.CPUUsage * 0.4
	score -= p.MemoryUsage * 0.3
	score *= p.NetworkStrength
	score -= math.Min(50, p.ResponseTime/100)
	score += math.Min(20, p.Throughput/1000)
	if p.BatteryLevel != nil {
		switch b := *p.BatteryLevel; {
		case b < 20:
			score *= 0.5
		case b < 50:
			score *= 0.8
		}
	}
	return math.Max(0, score)
}

// connectionScore is the 0-100 link score behind the quality tiers.
func connectionScore(p types.DevicePerformance) float64 {
	score := 100.0
	score -= p.CPUUsage * 0.3
	score -= p.MemoryUsage * 0.2
	score *= p.NetworkStrength
	if p.ResponseTime > 1000 {
		score -= math.Min(50, (p.ResponseTime-1000)/100)
	}
	return score
}

func qualityTier(score float64) types.ConnectionQuality {
	switch {
	case score >= 80:
		return types.QualityExcellent
	case score >= 60:
		return types.QualityGood
	case score >= 40:
		return types.QualityFair
	case score >= 20:
		return types.QualityPoor
	default:
		return types.QualityUnstable
	}
}

// updateConnections re-derives every connection of n from its performance.
func updateConnections(n *types.DeviceNode, now time.Time) {
	score := connectionScore(n.Performance)
	for i := range n.Connections {
		conn := &n.Connections[i]
		conn.Quality = qualityTier(score)
		conn.Reliability = math.Max(0, math.Min(1, score/100))
		conn.Latency = n.Performance.ResponseTime
		conn.Bandwidth = n.Performance.Throughput
		conn.LastPing = now
	}
}

// deliveryDelay is the pacing applied before delivering to a link of quality q.
func deliveryDelay(q types.ConnectionQuality) time.Duration {
	switch q {
	case types.QualityExcellent:
		return 10 * time.Millisecond
	case types.QualityGood:
		return 50 * time.Millisecond
	case types.QualityFair:
		return 100 * time.Millisecond
	case types.QualityPoor:
		return 250 * time.Millisecond
	case types.QualityUnstable:
		return 500 * time.Millisecond
	}
	return 100 * time.Millisecond
}
