package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/types"
)

func newTestCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{WithLogger(logger.NewTestLogger()), WithDeliveryDelay(false)}
	c := New(config.Default(), append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		c.Stop()
		cancel()
	})
	return c
}

func deviceInfo(userID, id string, kind types.DeviceType, caps types.DeviceCapabilities) types.DeviceInfo {
	return types.DeviceInfo{
		ID:           id,
		UserID:       userID,
		Type:         kind,
		Platform:     "linux",
		Capabilities: caps,
	}
}

func register(t *testing.T, c *Coordinator, info types.DeviceInfo) *types.DeviceNode {
	t.Helper()
	node, err := c.RegisterDevice(context.Background(), info)
	require.NoError(t, err)
	return node
}

// perf returns a sample with full network strength and the given CPU load.
func perf(cpu float64) types.DevicePerformance {
	return types.DevicePerformance{CPUUsage: cpu, NetworkStrength: 1}
}

// setIdleSince rewinds a device's last activity.
func setIdleSince(t *testing.T, c *Coordinator, deviceID string, at time.Time) {
	t.Helper()
	ut, ok := c.registry.deviceTopology(deviceID)
	require.True(t, ok)
	ut.mu.Lock()
	defer ut.mu.Unlock()
	ut.topo.Devices[deviceID].LastActivity = at
}

// markUnreachable lets the monitor declare a device lost.
func markUnreachable(t *testing.T, c *Coordinator, deviceID string) {
	t.Helper()
	interval := c.cfg.Performance.MonitoringInterval
	setIdleSince(t, c, deviceID, time.Now().Add(-(lostAfter+1)*interval))
	c.monitor.sweep(context.Background(), time.Now())
	node, err := c.GetDeviceNode(deviceID)
	require.NoError(t, err)
	require.False(t, node.IsReachable)
}

// messageType matches relay messages of one type.
type messageType types.RelayMessageType

func (m messageType) Matches(x any) bool {
	msg, ok := x.(*types.RelayMessage)
	return ok && msg.Type == types.RelayMessageType(m)
}

func (m messageType) String() string {
	return fmt.Sprintf("is a %s relay message", string(m))
}

var _ gomock.Matcher = messageType("")

// allowBroadcasts accepts every topology update sent to any device.
func allowBroadcasts(d *MockDeliverer) {
	d.EXPECT().
		SendToDevice(gomock.Any(), gomock.Any(), messageType(types.MessageTopologyUpdate)).
		Return(nil).
		AnyTimes()
}
