package coordinator

import (
	"context"
	"math"
	"time"

	"github.com/SallyKAN/device-relay/internal/types"
)

// Candidates lists the devices of userID other than the requester as
// discovery candidates, ordered by device id.
func (c *Coordinator) Candidates(ctx context.Context, userID, requestingDeviceID string) ([]types.DiscoveredDevice, error) {
	ut := c.registry.user(userID, false)
	if ut == nil {
		return []types.DiscoveredDevice{}, nil
	}
	now := time.Now()

	ut.mu.RLock()
	defer ut.mu.RUnlock()
	out := make([]types.DiscoveredDevice, 0, len(ut.topo.Devices))
	for _, n := range ut.sortedNodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n.Info.ID == requestingDeviceID {
			continue
		}
		conn := n.PrimaryConnection()
		distance := conn.Latency
		out = append(out, types.DiscoveredDevice{
			Info:         n.Info,
			MatchScore:   math.Max(0, math.Min(1, 0.5*conn.Reliability+0.5*PerformanceScore(n.Performance)/100)),
			Capabilities: n.Info.Capabilities.Clone(),
			Performance:  n.Performance.Clone(),
			Availability: c.availability(n, now),
			Distance:     &distance,
		})
	}
	return out, nil
}

func (c *Coordinator) availability(n *types.DeviceNode, now time.Time) types.DeviceAvailability {
	switch {
	case !n.IsReachable:
		return types.AvailabilityOffline
	case c.cfg.Performance.Thresholds.CPU > 0 && n.Performance.CPUUsage > c.cfg.Performance.Thresholds.CPU:
		return types.AvailabilityBusy
	case now.Sub(n.LastActivity) > c.cfg.Performance.MonitoringInterval:
		return types.AvailabilityIdle
	default:
		return types.AvailabilityAvailable
	}
}

// GetCapabilities returns the advertised capabilities of a device, falling
// back to the catalog for devices no longer registered.
func (c *Coordinator) GetCapabilities(ctx context.Context, deviceID string) (types.DeviceCapabilities, error) {
	if n := c.registry.Node(deviceID); n != nil {
		return n.Info.Capabilities, nil
	}
	if c.catalog != nil {
		if info, ok := c.catalog.Get(deviceID); ok {
			return info.Capabilities, nil
		}
	}
	return types.DeviceCapabilities{}, types.NewError(types.CodeDeviceNotFound, deviceID, "no capabilities known")
}

// AssessQuality rates the pair of devices for negotiation. Performance is
// the mean relay score of both devices scaled to [0,1]; security starts at
// 0.5 per device and gains 0.25 for an issued token and 0.25 for being
// reachable.
func (c *Coordinator) AssessQuality(ctx context.Context, sourceID, targetID string) (float64, float64, error) {
	var perf, sec float64
	for _, id := range []string{sourceID, targetID} {
		p, s := c.deviceQuality(id)
		perf += p
		sec += s
	}
	return perf / 2, sec / 2, nil
}

func (c *Coordinator) deviceQuality(deviceID string) (perf, sec float64) {
	n := c.registry.Node(deviceID)
	if n == nil {
		return 0, 0.5
	}
	perf = math.Min(1, PerformanceScore(n.Performance)/100)
	sec = 0.5
	if c.registry.hasToken(deviceID) {
		sec += 0.25
	}
	if n.IsReachable {
		sec += 0.25
	}
	return perf, sec
}
