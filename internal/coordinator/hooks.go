package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/types"
)

// handoffHooks binds the handoff stages to the topology and the device
// transport.
type handoffHooks struct {
	c *Coordinator
}

func (h *handoffHooks) notify(ctx context.Context, req *types.HandoffRequest, deviceID string, kind types.RelayMessageType, stage types.HandoffStage, transfer types.TransferKind, requireAck bool) error {
	payload, err := json.Marshal(types.HandoffNotice{
		HandoffID:    req.ID,
		Stage:        stage,
		Transfer:     transfer,
		HandoffType:  req.HandoffType,
		FromDeviceID: req.FromDeviceID,
		ToDeviceID:   req.ToDeviceID,
		Context:      req.Context,
	})
	if err != nil {
		return err
	}
	return h.c.send(ctx, req.UserID, deviceID, kind, payload, requireAck)
}

// PrepareSource asks the source device to pause and serialize its work. A
// FAILOVER handoff tolerates an unreachable source and skips the request.
func (h *handoffHooks) PrepareSource(ctx context.Context, req *types.HandoffRequest) error {
	src := h.c.registry.Node(req.FromDeviceID)
	if src == nil {
		return types.NewError(types.CodeDeviceNotFound, req.FromDeviceID, "source device not registered")
	}
	if !src.IsReachable {
		if req.HandoffType == types.HandoffFailover {
			return nil
		}
		return types.NewError(types.CodeDeviceUnreachable, req.FromDeviceID, "source device unreachable")
	}
	return h.notify(ctx, req, req.FromDeviceID, types.MessageHandoffRequest, types.StagePrepareSource, "", false)
}

// PrepareTarget checks the target is available and asks it to allocate
// resources for the incoming work.
func (h *handoffHooks) PrepareTarget(ctx context.Context, req *types.HandoffRequest) error {
	tgt := h.c.registry.Node(req.ToDeviceID)
	if tgt == nil {
		return types.NewError(types.CodeDeviceNotFound, req.ToDeviceID, "target device not registered")
	}
	if !tgt.IsReachable {
		return types.NewError(types.CodeDeviceUnreachable, req.ToDeviceID, "target device unreachable")
	}
	return h.notify(ctx, req, req.ToDeviceID, types.MessageHandoffRequest, types.StagePrepareTarget, "", false)
}

// Transfer moves one part of the handoff state to the target and waits for
// the target to acknowledge it.
func (h *handoffHooks) Transfer(ctx context.Context, req *types.HandoffRequest, kind types.TransferKind) error {
	return h.notify(ctx, req, req.ToDeviceID, types.MessageHandoffRequest, types.StageTransferState, kind, true)
}

// Finalize activates the target and deactivates the source. When the source
// was the primary device the target takes over that role.
func (h *handoffHooks) Finalize(ctx context.Context, req *types.HandoffRequest) error {
	c := h.c
	ut, ok := c.registry.deviceTopology(req.ToDeviceID)
	if !ok {
		return types.NewError(types.CodeDeviceNotFound, req.ToDeviceID, "target device not registered")
	}

	ut.mu.Lock()
	tgt := ut.topo.Devices[req.ToDeviceID]
	if tgt == nil {
		ut.mu.Unlock()
		return types.NewError(types.CodeDeviceNotFound, req.ToDeviceID, "target device not registered")
	}
	now := time.Now()
	tgt.LastActivity = now
	for i := range tgt.Connections {
		tgt.Connections[i].Active = true
	}
	var plan *broadcastPlan
	if src := ut.topo.Devices[req.FromDeviceID]; src != nil {
		for i := range src.Connections {
			src.Connections[i].Active = false
		}
		if ut.topo.PrimaryDevice == src.Info.ID {
			src.Role = types.RoleSecondary
			tgt.Role = types.RolePrimary
			ut.topo.PrimaryDevice = tgt.Info.ID
			ut.bump(now)
			plan = planBroadcast(ut)
		}
	}
	ut.mu.Unlock()

	if plan != nil {
		c.log.Info().
			Str("handoff_id", req.ID).
			Str("device_id", req.ToDeviceID).
			Msg("Primary role moved with handoff")
		c.bus.Emit(events.Event{Type: events.TopologyUpdated, UserID: plan.userID, Payload: plan.update})
		c.broadcast(ctx, plan)
	}
	return h.notify(ctx, req, req.ToDeviceID, types.MessageHandoffResponse, types.StageFinalize, "", false)
}
