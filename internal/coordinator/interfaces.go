package coordinator

import (
	"context"

	"github.com/SallyKAN/device-relay/internal/types"
)

//go:generate mockgen -destination=mock_coordinator.go -package=coordinator github.com/SallyKAN/device-relay/internal/coordinator Deliverer

// Deliverer physically hands a routed message to a connected device.
// It returns once the device acknowledged the message when
// msg.Delivery.RequireAck is set.
type Deliverer interface {
	SendToDevice(ctx context.Context, deviceID string, msg *types.RelayMessage) error
}

// nopDeliverer accepts every message. It is used when no transport is wired,
// which keeps routing decisions observable in isolation.
type nopDeliverer struct{}

func (nopDeliverer) SendToDevice(context.Context, string, *types.RelayMessage) error { return nil }
