// Package coordinator owns the per-user device topologies: it registers
// devices, elects the primary device, routes relay messages and composes
// discovery, capability negotiation and handoff into one service.
package coordinator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/discovery"
	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/handoff"
	"github.com/SallyKAN/device-relay/internal/history"
	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/metrics"
	"github.com/SallyKAN/device-relay/internal/negotiation"
	"github.com/SallyKAN/device-relay/internal/types"
)

// promotionFactor is how much better a challenger must perform than the
// primary before it takes over.
const promotionFactor = 1.2

// Coordinator is the device relay coordinator.
type Coordinator struct {
	cfg       *config.Config
	registry  *Registry
	forwarder *Forwarder
	catalog   *Catalog
	metrics   *metrics.Tracker
	bus       *events.Bus
	log       zerolog.Logger

	discovery   *discovery.Service
	negotiation *negotiation.Service
	handoff     *handoff.Service
	monitor     *Monitor

	deliverer     Deliverer
	meterProvider metric.MeterProvider
	archive       history.Archive
	deliveryDelay bool
	broadcastFan  int

	running atomic.Bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDeliverer sets the transport used for the final hop of every message.
func WithDeliverer(d Deliverer) Option {
	return func(c *Coordinator) { c.deliverer = d }
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the coordinator logger. Child services derive from it.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMeterProvider sets the OpenTelemetry meter provider for relay metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.meterProvider = mp }
}

// WithArchive persists negotiation and handoff history to archive.
func WithArchive(archive history.Archive) Option {
	return func(c *Coordinator) { c.archive = archive }
}

// WithCatalog records device descriptors in catalog and uses it to answer
// capability lookups for devices that are no longer registered.
func WithCatalog(catalog *Catalog) Option {
	return func(c *Coordinator) { c.catalog = catalog }
}

// WithDeliveryDelay toggles the connection-quality pacing applied before
// each delivery. It is on by default.
func WithDeliveryDelay(enabled bool) Option {
	return func(c *Coordinator) { c.deliveryDelay = enabled }
}

// New creates a stopped coordinator.
func New(cfg *config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:           cfg,
		registry:      NewRegistry(),
		log:           logger.WithComponent("coordinator"),
		deliveryDelay: true,
		broadcastFan:  8,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.forwarder = NewForwarder(c.deliverer)
	c.metrics = metrics.NewTracker(c.meterProvider)
	c.discovery = discovery.New(cfg.Discovery, c,
		discovery.WithBus(c.bus),
		discovery.WithLogger(c.child("discovery")))
	c.negotiation = negotiation.New(cfg.Capability, c, c,
		negotiation.WithBus(c.bus),
		negotiation.WithLogger(c.child("negotiation")),
		negotiation.WithArchive(c.archive))
	c.handoff = handoff.New(cfg.Handoff, &handoffHooks{c: c},
		handoff.WithBus(c.bus),
		handoff.WithLogger(c.child("handoff")),
		handoff.WithArchive(c.archive))
	c.monitor = NewMonitor(c, cfg.Performance.MonitoringInterval)
	return c
}

func (c *Coordinator) child(service string) zerolog.Logger {
	return c.log.With().Str("service", service).Logger()
}

// Start starts the child services and the reachability monitor.
func (c *Coordinator) Start(ctx context.Context) {
	c.discovery.Start()
	c.negotiation.Start()
	c.handoff.Start()
	c.monitor.Start(ctx)
	c.running.Store(true)
	c.log.Info().Msg("Device relay coordinator started")
}

// Stop stops the monitor and the child services.
func (c *Coordinator) Stop() {
	c.running.Store(false)
	c.monitor.Stop()
	c.handoff.Stop()
	c.negotiation.Stop()
	c.discovery.Stop()
	c.log.Info().Msg("Device relay coordinator stopped")
}

func newNode(info types.DeviceInfo, now time.Time) *types.DeviceNode {
	return &types.DeviceNode{
		Info: info,
		Connections: []types.Connection{{
			ID:          uuid.NewString(),
			Quality:     types.QualityGood,
			Reliability: 1,
			LastPing:    now,
			Active:      true,
		}},
		Priority:     DevicePriority(info),
		Role:         types.RoleSecondary,
		Performance:  types.DevicePerformance{NetworkStrength: 1, LastMeasured: now},
		LastActivity: now,
		IsReachable:  true,
	}
}

// assignRole places a newly added node: the first device or a device
// outranking the current primary becomes primary.
func assignRole(topo *types.DeviceTopology, node *types.DeviceNode) {
	if len(topo.Devices) == 1 {
		node.Role = types.RolePrimary
		topo.PrimaryDevice = node.Info.ID
		return
	}
	current := topo.Devices[topo.PrimaryDevice]
	if current != nil && node.Priority <= current.Priority {
		node.Role = types.RoleSecondary
		return
	}
	if current != nil {
		current.Role = types.RoleSecondary
	}
	node.Role = types.RolePrimary
	topo.PrimaryDevice = node.Info.ID
}

// electPrimary promotes the reachable device with the highest priority.
// Ties go to the lowest device id. With no reachable device the topology
// is left without a primary.
func electPrimary(topo *types.DeviceTopology) {
	ids := make([]string, 0, len(topo.Devices))
	for id, n := range topo.Devices {
		if n.Role == types.RolePrimary {
			n.Role = types.RoleSecondary
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	topo.PrimaryDevice = ""
	var best *types.DeviceNode
	for _, id := range ids {
		n := topo.Devices[id]
		if n.IsReachable && (best == nil || n.Priority > best.Priority) {
			best = n
		}
	}
	if best != nil {
		best.Role = types.RolePrimary
		topo.PrimaryDevice = best.Info.ID
	}
}

// RegisterDevice adds info to its user's topology, or refreshes it when the
// device is already known. A known device keeps its role.
func (c *Coordinator) RegisterDevice(ctx context.Context, info types.DeviceInfo) (*types.DeviceNode, error) {
	switch {
	case info.UserID == "":
		return nil, types.NewError(types.CodeRegistrationFailed, info.ID, "user id is required")
	case !types.ValidDeviceType(info.Type):
		return nil, types.NewError(types.CodeRegistrationFailed, info.ID, "invalid device type %q", info.Type)
	}
	if info.ID == "" {
		id, err := newDeviceID(func(id string) bool {
			_, ok := c.registry.owner(id)
			return ok
		})
		if err != nil {
			return nil, types.WrapError(types.CodeRegistrationFailed, "", err, "assigning device id")
		}
		info.ID = id
	}
	token, err := newDeviceToken()
	if err != nil {
		return nil, types.WrapError(types.CodeRegistrationFailed, info.ID, err, "issuing device token")
	}

	now := time.Now()
	info.LastSeen = now
	info.Capabilities = info.Capabilities.Clone()

	ut := c.registry.user(info.UserID, true)
	ut.mu.Lock()
	if !c.registry.bind(info.ID, info.UserID) {
		ut.mu.Unlock()
		return nil, types.NewError(types.CodeRegistrationFailed, info.ID, "device is registered to another user")
	}
	node, known := ut.topo.Devices[info.ID]
	if known {
		node.Info = info
		node.Priority = DevicePriority(info)
		node.LastActivity = now
		node.IsReachable = true
		if ut.topo.PrimaryDevice == "" {
			electPrimary(ut.topo)
		}
	} else {
		node = newNode(info, now)
		ut.topo.Devices[info.ID] = node
		assignRole(ut.topo, node)
	}
	ut.bump(now)
	ut.tokens[info.ID] = token
	registered := node.Clone()
	plan := planBroadcast(ut)
	ut.mu.Unlock()

	if c.catalog != nil {
		if err := c.catalog.Put(info); err != nil {
			c.log.Warn().Err(err).Str("device_id", info.ID).Msg("Failed to record device in catalog")
		}
	}
	c.negotiation.Invalidate(info.ID)
	c.refreshDevices(ctx)

	c.bus.Emit(events.Event{Type: events.DeviceRegistered, UserID: info.UserID, DeviceID: info.ID, Payload: registered})
	c.bus.Emit(events.Event{Type: events.TopologyUpdated, UserID: info.UserID, Payload: plan.update})
	c.log.Info().
		Str("device_id", info.ID).
		Str("user_id", info.UserID).
		Str("type", string(info.Type)).
		Str("role", string(registered.Role)).
		Int("priority", registered.Priority).
		Bool("reregistered", known).
		Msg("Device registered")

	c.broadcast(ctx, plan)
	return registered, nil
}

// UnregisterDevice removes a device. When it was primary a new primary is
// elected among the remaining reachable devices.
func (c *Coordinator) UnregisterDevice(ctx context.Context, deviceID string) error {
	ut, ok := c.registry.deviceTopology(deviceID)
	if !ok {
		return types.NewError(types.CodeDeviceNotFound, deviceID, "device not registered")
	}

	ut.mu.Lock()
	if _, ok := ut.topo.Devices[deviceID]; !ok {
		ut.mu.Unlock()
		return types.NewError(types.CodeDeviceNotFound, deviceID, "device not registered")
	}
	delete(ut.topo.Devices, deviceID)
	delete(ut.tokens, deviceID)
	c.registry.unbind(deviceID)
	if ut.topo.PrimaryDevice == deviceID {
		electPrimary(ut.topo)
	}
	ut.bump(time.Now())
	userID := ut.topo.UserID
	primary := ut.topo.PrimaryDevice
	plan := planBroadcast(ut)
	ut.mu.Unlock()

	c.negotiation.Invalidate(deviceID)
	c.refreshDevices(ctx)

	c.bus.Emit(events.Event{Type: events.DeviceUnregistered, UserID: userID, DeviceID: deviceID})
	c.bus.Emit(events.Event{Type: events.TopologyUpdated, UserID: userID, Payload: plan.update})
	c.log.Info().
		Str("device_id", deviceID).
		Str("user_id", userID).
		Str("primary", primary).
		Msg("Device unregistered")

	c.broadcast(ctx, plan)
	return nil
}

// UpdateDevicePerformance records a performance sample, re-derives the
// device's connection quality and promotes it when it outperforms the
// primary by more than 20%.
func (c *Coordinator) UpdateDevicePerformance(ctx context.Context, deviceID string, perf types.DevicePerformance) error {
	ut, ok := c.registry.deviceTopology(deviceID)
	if !ok {
		return types.WrapError(types.CodePerformanceUpdateFailed, deviceID,
			types.NewError(types.CodeDeviceNotFound, deviceID, "device not registered"), "update performance")
	}

	now := time.Now()
	if perf.LastMeasured.IsZero() {
		perf.LastMeasured = now
	}

	ut.mu.Lock()
	node, ok := ut.topo.Devices[deviceID]
	if !ok {
		ut.mu.Unlock()
		return types.WrapError(types.CodePerformanceUpdateFailed, deviceID,
			types.NewError(types.CodeDeviceNotFound, deviceID, "device not registered"), "update performance")
	}
	node.Performance = perf.Clone()
	node.LastActivity = now
	updateConnections(node, now)

	recovered := c.recoverLocked(ut, node)
	promoted := false
	if primary := ut.topo.Devices[ut.topo.PrimaryDevice]; primary != nil && primary != node {
		if PerformanceScore(node.Performance) > PerformanceScore(primary.Performance)*promotionFactor {
			primary.Role = types.RoleSecondary
			node.Role = types.RolePrimary
			ut.topo.PrimaryDevice = deviceID
			promoted = true
		}
	}
	var plan *broadcastPlan
	if recovered || promoted {
		ut.bump(now)
		plan = planBroadcast(ut)
	}
	userID := ut.topo.UserID
	ut.mu.Unlock()

	if recovered {
		c.refreshDevices(ctx)
		c.bus.Emit(events.Event{Type: events.DeviceRecovered, UserID: userID, DeviceID: deviceID})
	}
	if promoted {
		c.log.Info().
			Str("device_id", deviceID).
			Str("user_id", userID).
			Float64("score", PerformanceScore(perf)).
			Msg("Device promoted to primary on performance")
	}
	if alert := c.checkThresholds(deviceID, perf); alert != nil {
		c.bus.Emit(events.Event{Type: events.PerformanceDegraded, UserID: userID, DeviceID: deviceID, Payload: alert})
	}
	c.bus.Emit(events.Event{Type: events.PerformanceUpdated, UserID: userID, DeviceID: deviceID, Payload: perf})

	if plan != nil {
		c.bus.Emit(events.Event{Type: events.TopologyUpdated, UserID: userID, Payload: plan.update})
		c.broadcast(ctx, plan)
	}
	return nil
}

// TouchDevice records activity for a device and reports whether it is
// registered. An unreachable device becomes reachable again.
func (c *Coordinator) TouchDevice(ctx context.Context, deviceID string) bool {
	ut, ok := c.registry.deviceTopology(deviceID)
	if !ok {
		return false
	}
	now := time.Now()

	ut.mu.Lock()
	node, ok := ut.topo.Devices[deviceID]
	if !ok {
		ut.mu.Unlock()
		return false
	}
	node.LastActivity = now
	var plan *broadcastPlan
	recovered := c.recoverLocked(ut, node)
	if recovered {
		ut.bump(now)
		plan = planBroadcast(ut)
	}
	userID := ut.topo.UserID
	ut.mu.Unlock()

	if recovered {
		c.refreshDevices(ctx)
		c.bus.Emit(events.Event{Type: events.DeviceRecovered, UserID: userID, DeviceID: deviceID})
		c.bus.Emit(events.Event{Type: events.TopologyUpdated, UserID: userID, Payload: plan.update})
		c.broadcast(ctx, plan)
	}
	return true
}

// recoverLocked marks an unreachable node reachable again and fills an
// empty primary slot. It reports whether the topology changed.
func (c *Coordinator) recoverLocked(ut *userTopology, node *types.DeviceNode) bool {
	if node.IsReachable {
		return false
	}
	node.IsReachable = true
	for i := range node.Connections {
		node.Connections[i].Active = true
	}
	if ut.topo.PrimaryDevice == "" {
		electPrimary(ut.topo)
	}
	c.log.Info().Str("device_id", node.Info.ID).Msg("Device reachable again")
	return true
}

// checkThresholds returns an alert when perf crosses a configured threshold.
func (c *Coordinator) checkThresholds(deviceID string, perf types.DevicePerformance) *types.PerformanceAlert {
	th := c.cfg.Performance.Thresholds
	var reasons []string
	if th.CPU > 0 && perf.CPUUsage > th.CPU {
		reasons = append(reasons, "cpu")
	}
	if th.Memory > 0 && perf.MemoryUsage > th.Memory {
		reasons = append(reasons, "memory")
	}
	if perf.BatteryLevel != nil && *perf.BatteryLevel < th.Battery {
		reasons = append(reasons, "battery")
	}
	if perf.NetworkStrength*100 < th.Network {
		reasons = append(reasons, "network")
	}
	if len(reasons) == 0 {
		return nil
	}
	return &types.PerformanceAlert{DeviceID: deviceID, Reasons: reasons, Performance: perf.Clone()}
}

func (c *Coordinator) refreshDevices(ctx context.Context) {
	total, reachable := c.registry.Counts()
	c.metrics.SetDevices(ctx, total, reachable)
}

// GetDeviceTopology returns a copy of the user's topology.
func (c *Coordinator) GetDeviceTopology(userID string) (*types.DeviceTopology, error) {
	topo := c.registry.Snapshot(userID)
	if topo == nil {
		return nil, types.NewError(types.CodeTopologyNotFound, "", "no topology for user %s", userID)
	}
	return topo, nil
}

// GetDeviceNode returns a copy of a registered device.
func (c *Coordinator) GetDeviceNode(deviceID string) (*types.DeviceNode, error) {
	n := c.registry.Node(deviceID)
	if n == nil {
		return nil, types.NewError(types.CodeDeviceNotFound, deviceID, "device not registered")
	}
	return n, nil
}

// GetMetrics returns the cumulative relay counters.
func (c *Coordinator) GetMetrics() types.RelayMetrics {
	return c.metrics.Snapshot()
}

// DeviceToken returns the token issued to a registered device.
func (c *Coordinator) DeviceToken(deviceID string) string {
	return c.registry.Token(deviceID)
}

// ValidDeviceToken reports whether token was issued to a registered device.
func (c *Coordinator) ValidDeviceToken(token string) bool {
	return c.registry.ValidateDeviceToken(token)
}

// TokenDevice returns the device a token was issued to.
func (c *Coordinator) TokenDevice(token string) (string, bool) {
	return c.registry.TokenDevice(token)
}

// DeviceOwner returns the user a device is registered under.
func (c *Coordinator) DeviceOwner(deviceID string) (string, bool) {
	return c.registry.owner(deviceID)
}
