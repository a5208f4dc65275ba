package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/SallyKAN/device-relay/internal/types"
)

func newTestTracker(t *testing.T) (*Tracker, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return NewTracker(mp), reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestTracker_Averages(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.HandoffFinished(ctx, true, 100*time.Millisecond)
	tr.HandoffFinished(ctx, false, 300*time.Millisecond)
	tr.Routed(ctx, types.RouteDirect, 10*time.Millisecond)
	tr.Routed(ctx, types.RouteDirect, 30*time.Millisecond)
	tr.Routed(ctx, types.RouteDirect, 50*time.Millisecond)

	m := tr.Snapshot()
	assert.EqualValues(t, 2, m.HandoffRequests)
	assert.EqualValues(t, 1, m.SuccessfulHandoffs)
	assert.InDelta(t, 200, m.AverageHandoffTime, 0.001)
	assert.EqualValues(t, 3, m.RoutedMessages)
	assert.InDelta(t, 30, m.AverageLatency, 0.001)
	assert.False(t, m.LastUpdated.IsZero())
}

func TestTracker_CountersExported(t *testing.T) {
	tr, reader := newTestTracker(t)
	ctx := context.Background()

	tr.DiscoveryRequested(ctx, true)
	tr.DiscoveryRequested(ctx, false)
	tr.Negotiated(ctx, types.NegotiationSuccess)
	tr.RouteFailed(ctx, types.CodeDeviceUnreachable)

	m := tr.Snapshot()
	assert.EqualValues(t, 2, m.DiscoveryRequests)
	assert.EqualValues(t, 1, m.SuccessfulDiscoveries)
	assert.EqualValues(t, 1, m.CapabilityNegotiations)
	assert.EqualValues(t, 1, m.SuccessfulNegotiations)
	assert.EqualValues(t, 1, m.FailedRoutes)

	assert.EqualValues(t, 2, sumOf(t, reader, metricDiscoveries))
	assert.EqualValues(t, 1, sumOf(t, reader, metricNegotiations))
	assert.EqualValues(t, 1, sumOf(t, reader, metricRouteFailures))
}

func TestTracker_SetDevices(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.SetDevices(context.Background(), 3, 2)

	m := tr.Snapshot()
	assert.Equal(t, 3, m.TotalDevices)
	assert.Equal(t, 2, m.ActiveDevices)
}
