package coordinator

import (
	"context"

	"github.com/SallyKAN/device-relay/internal/types"
)

// DeviceActive records inbound traffic from a connected device.
func (c *Coordinator) DeviceActive(ctx context.Context, deviceID string) {
	c.TouchDevice(ctx, deviceID)
}

// DevicePerformance applies a performance sample pushed over a device
// connection.
func (c *Coordinator) DevicePerformance(ctx context.Context, deviceID string, perf types.DevicePerformance) {
	if err := c.UpdateDevicePerformance(ctx, deviceID, perf); err != nil {
		c.log.Warn().Err(err).Str("device_id", deviceID).Msg("Dropped performance sample")
	}
}

// DeviceMessage routes a message a device sent over its connection. The
// sender is always the connected device.
func (c *Coordinator) DeviceMessage(ctx context.Context, deviceID string, msg *types.RelayMessage) error {
	msg.FromDeviceID = deviceID
	msg.UserID = ""
	if msg.Type == "" {
		msg.Type = types.MessageApplication
	}
	_, err := c.RouteMessage(ctx, msg)
	return err
}

// DeviceDisconnected notes a closed device connection. Reachability is left
// to the monitor so a quick reconnect does not churn the topology.
func (c *Coordinator) DeviceDisconnected(_ context.Context, deviceID string) {
	c.log.Debug().Str("device_id", deviceID).Msg("Device connection closed")
}
