package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/SallyKAN/device-relay/internal/types"
)

// broadcastPlan is a topology update and its recipients, captured while the
// user's topology is locked so every recipient sees the same version.
type broadcastPlan struct {
	userID     string
	update     types.TopologyUpdate
	recipients []string
}

// planBroadcast snapshots ut for broadcasting. Callers hold ut.mu.
func planBroadcast(ut *userTopology) *broadcastPlan {
	plan := &broadcastPlan{
		userID: ut.topo.UserID,
		update: types.TopologyUpdate{
			UserID:        ut.topo.UserID,
			PrimaryDevice: ut.topo.PrimaryDevice,
			Version:       ut.topo.Version,
		},
	}
	for _, n := range ut.sortedNodes() {
		plan.update.Devices = append(plan.update.Devices, types.TopologyDevice{
			DeviceID:    n.Info.ID,
			Type:        n.Info.Type,
			Role:        n.Role,
			Priority:    n.Priority,
			IsReachable: n.IsReachable,
		})
		if n.IsReachable {
			plan.recipients = append(plan.recipients, n.Info.ID)
		}
	}
	return plan
}

// broadcast routes the planned topology update to every recipient. Devices
// discard updates older than the version they hold, so recipients may be
// served concurrently. Failures are logged and do not stop the fan-out.
func (c *Coordinator) broadcast(ctx context.Context, plan *broadcastPlan) {
	if plan == nil || len(plan.recipients) == 0 {
		return
	}
	payload, err := json.Marshal(plan.update)
	if err != nil {
		c.log.Error().Err(err).Str("user_id", plan.userID).Msg("Failed to encode topology update")
		return
	}

	p := pool.New().WithMaxGoroutines(c.broadcastFan)
	for _, deviceID := range plan.recipients {
		p.Go(func() {
			msg := &types.RelayMessage{
				Type:         types.MessageTopologyUpdate,
				UserID:       plan.userID,
				FromDeviceID: systemSender,
				ToDeviceID:   deviceID,
				Payload:      payload,
				Priority:     types.PriorityNormal,
				Routing: types.RoutingInfo{
					Strategy: types.RouteDirect,
					MaxHops:  1,
					TTL:      30 * time.Second,
				},
				Delivery: types.DeliveryOptions{
					Timeout:    5 * time.Second,
					RetryCount: 2,
					RetryDelay: time.Second,
				},
			}
			if _, err := c.RouteMessage(ctx, msg); err != nil {
				c.log.Warn().Err(err).
					Str("device_id", deviceID).
					Int64("version", plan.update.Version).
					Msg("Failed to broadcast topology update")
			}
		})
	}
	p.Wait()
}
