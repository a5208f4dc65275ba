package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/types"
)

// RouteMessage computes a delivery path for msg over its user's topology and
// delivers it to the final hop. Every failure is returned as ROUTING_FAILED
// wrapping the specific cause.
func (c *Coordinator) RouteMessage(ctx context.Context, msg *types.RelayMessage) (*types.RouteResult, error) {
	start := time.Now()
	res, err := c.route(ctx, msg)
	if err != nil {
		c.metrics.RouteFailed(ctx, innerCode(err))
		c.bus.Emit(events.Event{Type: events.MessageFailed, UserID: msg.UserID, DeviceID: msg.ToDeviceID, Payload: msg})
		c.log.Debug().Err(err).
			Str("message_id", msg.ID).
			Str("from", msg.FromDeviceID).
			Str("to", msg.ToDeviceID).
			Msg("Message routing failed")
		return nil, types.WrapError(types.CodeRoutingFailed, msg.ToDeviceID, err, "message routing failed")
	}

	res.Latency = time.Since(start)
	c.metrics.Routed(ctx, msg.Routing.Strategy, res.Latency)
	c.bus.Emit(events.Event{Type: events.MessageRouted, UserID: msg.UserID, DeviceID: res.DeliveredTo, Payload: res})
	c.log.Debug().
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Strs("path", res.Path).
		Dur("latency", res.Latency).
		Msg("Message routed")
	return res, nil
}

func innerCode(err error) types.ErrorCode {
	var ce *types.CoordinationError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return types.CodeRoutingFailed
}

func (c *Coordinator) applyMessageDefaults(msg *types.RelayMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Priority == "" {
		msg.Priority = types.PriorityNormal
	}
	if msg.Routing.MaxHops <= 0 {
		msg.Routing.MaxHops = c.cfg.Routing.MaxHops
	}
	if msg.Routing.TTL <= 0 {
		msg.Routing.TTL = c.cfg.Routing.DefaultTTL
	}
}

// senderTopology resolves the topology a message is routed over.
func (c *Coordinator) senderTopology(msg *types.RelayMessage) (*userTopology, error) {
	if msg.FromDeviceID == systemSender {
		ut := c.registry.user(msg.UserID, false)
		if ut == nil {
			return nil, types.NewError(types.CodeTopologyNotFound, "", "no topology for user %s", msg.UserID)
		}
		return ut, nil
	}
	userID, ok := c.registry.owner(msg.FromDeviceID)
	if !ok {
		return nil, types.NewError(types.CodeDeviceNotFound, msg.FromDeviceID, "source device not found")
	}
	msg.UserID = userID
	ut := c.registry.user(userID, false)
	if ut == nil {
		return nil, types.NewError(types.CodeTopologyNotFound, "", "no topology for user %s", userID)
	}
	return ut, nil
}

// hop is a delivery target resolved from the topology.
type hop struct {
	id      string
	quality types.ConnectionQuality
}

func (c *Coordinator) route(ctx context.Context, msg *types.RelayMessage) (*types.RouteResult, error) {
	c.applyMessageDefaults(msg)
	if msg.Routing.TTL > 0 && time.Since(msg.Timestamp) > msg.Routing.TTL {
		return nil, types.NewError(types.CodeMessageExpired, msg.ToDeviceID, "message %s expired", msg.ID)
	}
	ut, err := c.senderTopology(msg)
	if err != nil {
		return nil, err
	}

	ut.mu.RLock()
	pf := &pathFinder{topo: ut.topo, loadThreshold: c.cfg.Routing.LoadBalanceThreshold, log: c.log}
	path, err := pf.path(msg)
	if err != nil {
		ut.mu.RUnlock()
		return nil, err
	}
	node, err := pf.finalHop(path, msg.Routing.MaxHops)
	if err != nil {
		ut.mu.RUnlock()
		return nil, err
	}
	target := hop{id: node.Info.ID, quality: node.PrimaryConnection().Quality}
	var fallback *hop
	if msg.Delivery.FallbackToAny {
		fallback = fallbackHop(ut.topo, target.id, msg.FromDeviceID)
	}
	ut.mu.RUnlock()

	msg.Routing.Path = path
	err = c.deliver(ctx, target, msg)
	if err == nil {
		return &types.RouteResult{MessageID: msg.ID, Path: path, DeliveredTo: target.id}, nil
	}
	if fallback == nil {
		return nil, err
	}

	c.log.Warn().Err(err).
		Str("message_id", msg.ID).
		Str("target", target.id).
		Str("fallback", fallback.id).
		Msg("Delivery failed, falling back")
	path = []string{msg.FromDeviceID, fallback.id}
	msg.Routing.Path = path
	if err := c.deliver(ctx, *fallback, msg); err != nil {
		return nil, err
	}
	return &types.RouteResult{MessageID: msg.ID, Path: path, DeliveredTo: fallback.id}, nil
}

// fallbackHop picks the primary, or else any reachable device, other than
// the failed target and the sender.
func fallbackHop(topo *types.DeviceTopology, target, sender string) *hop {
	usable := func(n *types.DeviceNode) bool {
		return n != nil && n.IsReachable && n.Info.ID != target && n.Info.ID != sender
	}
	if n := topo.Devices[topo.PrimaryDevice]; usable(n) {
		return &hop{id: n.Info.ID, quality: n.PrimaryConnection().Quality}
	}
	pf := pathFinder{topo: topo}
	for _, n := range pf.reachable(sender) {
		if usable(n) {
			return &hop{id: n.Info.ID, quality: n.PrimaryConnection().Quality}
		}
	}
	return nil
}

// deliver paces the message by the target's connection quality and hands it
// to the forwarder.
func (c *Coordinator) deliver(ctx context.Context, target hop, msg *types.RelayMessage) error {
	if c.deliveryDelay {
		t := time.NewTimer(deliveryDelay(target.quality))
		select {
		case <-ctx.Done():
			t.Stop()
			return types.WrapError(types.CodeNetworkTimeout, target.id, ctx.Err(), "delivery cancelled")
		case <-t.C:
		}
	}
	err := c.forwarder.Forward(ctx, target.id, msg)
	switch {
	case err == nil:
		return nil
	case types.CodeOf(err) != types.CodeUnknown:
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return types.WrapError(types.CodeNetworkTimeout, target.id, err, "delivery timed out")
	default:
		return types.WrapError(types.CodeDeviceUnreachable, target.id, err, "delivery failed")
	}
}

// send routes a coordinator-originated message to one device.
func (c *Coordinator) send(ctx context.Context, userID, deviceID string, kind types.RelayMessageType, payload []byte, requireAck bool) error {
	_, err := c.RouteMessage(ctx, &types.RelayMessage{
		Type:         kind,
		UserID:       userID,
		FromDeviceID: systemSender,
		ToDeviceID:   deviceID,
		Payload:      payload,
		Priority:     types.PriorityHigh,
		Routing:      types.RoutingInfo{Strategy: types.RouteDirect, MaxHops: 1},
		Delivery: types.DeliveryOptions{
			RequireAck: requireAck,
			Timeout:    5 * time.Second,
			RetryCount: 2,
			RetryDelay: 500 * time.Millisecond,
		},
	})
	return err
}

// DiscoverDevices delegates to the discovery service.
func (c *Coordinator) DiscoverDevices(ctx context.Context, req types.DiscoveryRequest) (*types.DiscoveryResult, error) {
	if req.UserID == "" {
		req.UserID, _ = c.registry.owner(req.RequestingDeviceID)
	}
	res, err := c.discovery.Discover(ctx, req)
	c.metrics.DiscoveryRequested(ctx, err == nil && res.TotalFound > 0)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ActiveDiscoveries returns the discovery requests in flight.
func (c *Coordinator) ActiveDiscoveries() []types.DiscoveryRequest {
	return c.discovery.ActiveDiscoveries()
}

// NegotiateCapabilities delegates to the negotiation service. On internal
// failure the ERROR result is returned alongside the error.
func (c *Coordinator) NegotiateCapabilities(ctx context.Context, n types.CapabilityNegotiation) (*types.NegotiationResult, error) {
	if n.UserID == "" {
		n.UserID, _ = c.registry.owner(n.SourceDeviceID)
	}
	res, err := c.negotiation.Negotiate(ctx, n)
	if res != nil {
		c.metrics.Negotiated(ctx, res.Status)
	}
	if err != nil {
		return res, types.WrapError(types.CodeNegotiationFailed, n.SourceDeviceID, err, "capability negotiation failed")
	}
	return res, nil
}

// PreAssessCompatibility scores two devices without recording a negotiation.
func (c *Coordinator) PreAssessCompatibility(ctx context.Context, sourceID, targetID string) (types.CapabilityScore, error) {
	score, err := c.negotiation.PreAssess(ctx, sourceID, targetID)
	if err != nil {
		return score, types.WrapError(types.CodeNegotiationFailed, sourceID, err, "pre-assessment failed")
	}
	return score, nil
}

// NegotiationHistory returns the user's recent negotiations, oldest first.
func (c *Coordinator) NegotiationHistory(userID string) []types.NegotiationResult {
	return c.negotiation.History(userID)
}

// NegotiationStats summarises the user's negotiation history.
func (c *Coordinator) NegotiationStats(userID string) types.NegotiationStats {
	return c.negotiation.Stats(userID)
}

func (c *Coordinator) prepareHandoff(req *types.HandoffRequest) {
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.Handoff.Timeout
	}
	if req.UserID == "" {
		req.UserID, _ = c.registry.owner(req.FromDeviceID)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
}

// InitiateHandoff runs a handoff. FAILOVER handoffs to an unreachable target
// are redirected to the best reachable device when fallback is enabled, and
// with auto-negotiation a FAILED negotiation rejects the handoff with
// CAPABILITY_MISMATCH.
func (c *Coordinator) InitiateHandoff(ctx context.Context, req types.HandoffRequest) (*types.HandoffResult, error) {
	c.prepareHandoff(&req)

	if req.HandoffType == types.HandoffFailover && c.cfg.Handoff.FallbackEnabled {
		if alt := c.failoverTarget(req); alt != "" {
			c.log.Warn().
				Str("user_id", req.UserID).
				Str("target", req.ToDeviceID).
				Str("fallback", alt).
				Msg("Failover target unreachable, using fallback device")
			req.ToDeviceID = alt
		}
	}

	meta := req.Context.Metadata
	if c.cfg.Capability.AutoNegotiate && (meta.TransferFiles || meta.PreserveState) && req.FromDeviceID != req.ToDeviceID {
		res, err := c.NegotiateCapabilities(ctx, types.CapabilityNegotiation{
			UserID:         req.UserID,
			SourceDeviceID: req.FromDeviceID,
			TargetDeviceID: req.ToDeviceID,
			Context: types.NegotiationContext{
				RequiresFileSync:     meta.TransferFiles,
				RequiresRealTimeComm: meta.PreserveState,
			},
		})
		if err != nil {
			return c.rejectHandoff(ctx, req, types.WrapError(types.CodeHandoffFailed, req.ToDeviceID, err, "capability check failed"))
		}
		if res.Status == types.NegotiationFailed {
			return c.rejectHandoff(ctx, req, types.NewError(types.CodeCapabilityMismatch, req.ToDeviceID,
				"devices are not compatible (score %.2f)", res.Score.Overall))
		}
	}

	res, err := c.handoff.Execute(ctx, req)
	c.recordHandoff(ctx, res)
	return res, err
}

// failoverTarget returns a replacement for an unreachable handoff target,
// or "" when the target is usable or nothing better exists.
func (c *Coordinator) failoverTarget(req types.HandoffRequest) string {
	if n := c.registry.Node(req.ToDeviceID); n != nil && n.IsReachable {
		return ""
	}
	ut := c.registry.user(req.UserID, false)
	if ut == nil {
		return ""
	}
	ut.mu.RLock()
	defer ut.mu.RUnlock()
	pf := pathFinder{topo: ut.topo}
	if best := bestPerforming(pf.reachable(req.FromDeviceID)); best != nil {
		return best.Info.ID
	}
	return ""
}

// rejectHandoff records a handoff refused before execution and returns its
// FAILED result together with err.
func (c *Coordinator) rejectHandoff(ctx context.Context, req types.HandoffRequest, err error) (*types.HandoffResult, error) {
	res := c.handoff.Reject(req, types.StagePrepareTarget, err)
	c.recordHandoff(ctx, res)
	return res, err
}

func (c *Coordinator) recordHandoff(ctx context.Context, res *types.HandoffResult) {
	if res != nil {
		c.metrics.HandoffFinished(ctx, res.Success, res.HandoffTime)
	}
}

// RetryHandoff re-runs a handoff under a derived id.
func (c *Coordinator) RetryHandoff(ctx context.Context, original types.HandoffRequest) (*types.HandoffResult, error) {
	c.prepareHandoff(&original)
	res, err := c.handoff.Retry(ctx, original)
	c.recordHandoff(ctx, res)
	return res, err
}

// CancelHandoff stops an active handoff before its next stage.
func (c *Coordinator) CancelHandoff(id string) error {
	return c.handoff.Cancel(id)
}

// ActiveHandoffs returns the handoffs currently executing.
func (c *Coordinator) ActiveHandoffs() []types.HandoffRequest {
	return c.handoff.Active()
}

// HandoffHistory returns the user's recent handoffs, oldest first.
func (c *Coordinator) HandoffHistory(userID string) []types.HandoffResult {
	return c.handoff.History(userID)
}

// HandoffStats summarises the user's handoff history.
func (c *Coordinator) HandoffStats(userID string) types.HandoffStats {
	return c.handoff.Stats(userID)
}
