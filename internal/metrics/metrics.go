// Package metrics keeps the relay's cumulative counters and mirrors them
// into OpenTelemetry instruments.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/SallyKAN/device-relay/internal/types"
)

const (
	meterName = "device-relay.coordinator"

	metricDiscoveries   = "relay_discovery_requests_total"
	metricHandoffs      = "relay_handoff_requests_total"
	metricHandoffTime   = "relay_handoff_duration_seconds"
	metricNegotiations  = "relay_capability_negotiations_total"
	metricRouted        = "relay_messages_routed_total"
	metricRouteFailures = "relay_route_failures_total"
	metricLatency       = "relay_delivery_latency_seconds"
	metricDevices       = "relay_devices"
)

// Tracker accumulates RelayMetrics. It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex
	m  types.RelayMetrics

	handoffSamples int64
	latencySamples int64

	discoveries   metric.Int64Counter
	handoffs      metric.Int64Counter
	handoffTime   metric.Float64Histogram
	negotiations  metric.Int64Counter
	routed        metric.Int64Counter
	routeFailures metric.Int64Counter
	latency       metric.Float64Histogram
	devices       metric.Int64Gauge
}

// NewTracker creates a tracker whose instruments come from mp. A nil mp
// uses the global provider.
func NewTracker(mp metric.MeterProvider) *Tracker {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	t := &Tracker{}

	var err error
	if t.discoveries, err = meter.Int64Counter(metricDiscoveries,
		metric.WithDescription("Device discovery requests by outcome")); err != nil {
		otel.Handle(err)
	}
	if t.handoffs, err = meter.Int64Counter(metricHandoffs,
		metric.WithDescription("Device handoffs by outcome")); err != nil {
		otel.Handle(err)
	}
	if t.handoffTime, err = meter.Float64Histogram(metricHandoffTime,
		metric.WithDescription("Handoff duration"), metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}
	if t.negotiations, err = meter.Int64Counter(metricNegotiations,
		metric.WithDescription("Capability negotiations by status")); err != nil {
		otel.Handle(err)
	}
	if t.routed, err = meter.Int64Counter(metricRouted,
		metric.WithDescription("Relay messages delivered by strategy")); err != nil {
		otel.Handle(err)
	}
	if t.routeFailures, err = meter.Int64Counter(metricRouteFailures,
		metric.WithDescription("Relay messages that failed to route by error code")); err != nil {
		otel.Handle(err)
	}
	if t.latency, err = meter.Float64Histogram(metricLatency,
		metric.WithDescription("Delivery latency of routed messages"), metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}
	if t.devices, err = meter.Int64Gauge(metricDevices,
		metric.WithDescription("Registered devices by reachability")); err != nil {
		otel.Handle(err)
	}
	return t
}

func (t *Tracker) touch() {
	t.m.LastUpdated = time.Now()
}

// DiscoveryRequested counts a discovery attempt and its outcome.
func (t *Tracker) DiscoveryRequested(ctx context.Context, ok bool) {
	t.mu.Lock()
	t.m.DiscoveryRequests++
	if ok {
		t.m.SuccessfulDiscoveries++
	}
	t.touch()
	t.mu.Unlock()

	if t.discoveries != nil {
		t.discoveries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
	}
}

// HandoffFinished counts a handoff and folds its duration into the average.
func (t *Tracker) HandoffFinished(ctx context.Context, ok bool, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	t.mu.Lock()
	t.m.HandoffRequests++
	if ok {
		t.m.SuccessfulHandoffs++
	}
	t.handoffSamples++
	t.m.AverageHandoffTime += (ms - t.m.AverageHandoffTime) / float64(t.handoffSamples)
	t.touch()
	t.mu.Unlock()

	attrs := metric.WithAttributes(attribute.Bool("success", ok))
	if t.handoffs != nil {
		t.handoffs.Add(ctx, 1, attrs)
	}
	if t.handoffTime != nil {
		t.handoffTime.Record(ctx, d.Seconds(), attrs)
	}
}

// Negotiated counts a capability negotiation.
func (t *Tracker) Negotiated(ctx context.Context, status types.NegotiationStatus) {
	t.mu.Lock()
	t.m.CapabilityNegotiations++
	if status == types.NegotiationSuccess {
		t.m.SuccessfulNegotiations++
	}
	t.touch()
	t.mu.Unlock()

	if t.negotiations != nil {
		t.negotiations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

// Routed counts a delivered message and folds its latency into the average.
func (t *Tracker) Routed(ctx context.Context, strategy types.RoutingStrategy, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	t.mu.Lock()
	t.m.RoutedMessages++
	t.latencySamples++
	t.m.AverageLatency += (ms - t.m.AverageLatency) / float64(t.latencySamples)
	t.touch()
	t.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("strategy", string(strategy)))
	if t.routed != nil {
		t.routed.Add(ctx, 1, attrs)
	}
	if t.latency != nil {
		t.latency.Record(ctx, latency.Seconds(), attrs)
	}
}

// RouteFailed counts a message that could not be routed.
func (t *Tracker) RouteFailed(ctx context.Context, code types.ErrorCode) {
	t.mu.Lock()
	t.m.FailedRoutes++
	t.touch()
	t.mu.Unlock()

	if t.routeFailures != nil {
		t.routeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
	}
}

// SetDevices records the current registered and reachable device counts.
func (t *Tracker) SetDevices(ctx context.Context, total, active int) {
	t.mu.Lock()
	t.m.TotalDevices = total
	t.m.ActiveDevices = active
	t.touch()
	t.mu.Unlock()

	if t.devices != nil {
		t.devices.Record(ctx, int64(active), metric.WithAttributes(attribute.Bool("reachable", true)))
		t.devices.Record(ctx, int64(total-active), metric.WithAttributes(attribute.Bool("reachable", false)))
	}
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() types.RelayMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}
