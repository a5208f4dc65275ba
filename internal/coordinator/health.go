package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/types"
)

const (
	// lostAfter is the number of monitoring intervals without activity after
	// which a device is marked unreachable.
	lostAfter = 3
	// evictAfter is the number of intervals after which it is removed.
	evictAfter = 10
)

// Monitor sweeps the topologies on a fixed interval, marking silent devices
// unreachable and evicting devices that stay silent.
type Monitor struct {
	c        *Coordinator
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMonitor creates a monitor sweeping every interval.
func NewMonitor(c *Coordinator, interval time.Duration) *Monitor {
	return &Monitor{
		c:        c,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	go m.loop(ctx)
}

// Stop terminates the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(ctx, now)
		}
	}
}

// sweep applies the reachability rules as of now.
func (m *Monitor) sweep(ctx context.Context, now time.Time) {
	c := m.c
	var evict []string
	for _, userID := range c.registry.userIDs() {
		ut := c.registry.user(userID, false)
		if ut == nil {
			continue
		}

		var lost []string
		ut.mu.Lock()
		primaryLost := false
		for _, n := range ut.sortedNodes() {
			idle := now.Sub(n.LastActivity)
			if idle > evictAfter*m.interval {
				evict = append(evict, n.Info.ID)
			}
			if n.IsReachable && idle > lostAfter*m.interval {
				n.IsReachable = false
				for i := range n.Connections {
					n.Connections[i].Active = false
				}
				lost = append(lost, n.Info.ID)
				if ut.topo.PrimaryDevice == n.Info.ID {
					primaryLost = true
				}
			}
		}
		var plan *broadcastPlan
		if len(lost) > 0 {
			if primaryLost {
				electPrimary(ut.topo)
			}
			ut.bump(now)
			plan = planBroadcast(ut)
		}
		ut.mu.Unlock()

		for _, id := range lost {
			c.log.Warn().Str("device_id", id).Str("user_id", userID).Msg("Device lost: activity timeout")
			c.bus.Emit(events.Event{Type: events.DeviceLost, UserID: userID, DeviceID: id, Payload: "activity timeout"})
		}
		if plan != nil {
			c.bus.Emit(events.Event{Type: events.TopologyUpdated, UserID: userID, Payload: plan.update})
			c.broadcast(ctx, plan)
		}
	}

	for _, id := range evict {
		if err := c.UnregisterDevice(ctx, id); err != nil && !types.HasCode(err, types.CodeDeviceNotFound) {
			c.log.Warn().Err(err).Str("device_id", id).Msg("Failed to evict device")
			continue
		}
		c.log.Info().Str("device_id", id).Msg("Evicted silent device")
	}
	c.refreshDevices(ctx)
}
