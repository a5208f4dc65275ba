package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/types"
)

type staticSource struct {
	devices []types.DiscoveredDevice
	err     error
	calls   atomic.Int32
}

func (s *staticSource) Candidates(context.Context, string, string) ([]types.DiscoveredDevice, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return cloneDevices(s.devices), nil
}

func ptr(f float64) *float64 { return &f }

func candidate(id string, typ types.DeviceType, cpu, net float64, fileSync bool, dist *float64) types.DiscoveredDevice {
	caps := types.DeviceCapabilities{SupportsFileSync: fileSync, SupportsNotifications: true}
	return types.DiscoveredDevice{
		Info:         types.DeviceInfo{ID: id, UserID: "u1", Type: typ, Platform: "linux", Capabilities: caps},
		MatchScore:   1,
		Capabilities: caps,
		Performance:  types.DevicePerformance{CPUUsage: cpu, MemoryUsage: 20, NetworkStrength: net, ResponseTime: 100},
		Availability: types.AvailabilityAvailable,
		Distance:     dist,
	}
}

func fixture() *staticSource {
	return &staticSource{devices: []types.DiscoveredDevice{
		candidate("phone", types.DeviceTypeMobile, 60, 0.5, true, ptr(500)),
		candidate("laptop", types.DeviceTypeDesktop, 10, 1, true, ptr(20)),
		candidate("ext", types.DeviceTypeExtension, 30, 0.9, false, nil),
	}}
}

func newService(t *testing.T, src CandidateSource) *Service {
	t.Helper()
	s := New(config.Default().Discovery, src)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func ids(devices []types.DiscoveredDevice) []string {
	var out []string
	for _, d := range devices {
		out = append(out, d.Info.ID)
	}
	return out
}

func TestDiscover_CacheIdempotence(t *testing.T) {
	src := fixture()
	s := newService(t, src)
	req := types.DiscoveryRequest{UserID: "u1", RequestingDeviceID: "me", DiscoveryType: types.DiscoveryFullScan}

	first, err := s.Discover(context.Background(), req)
	require.NoError(t, err)
	second, err := s.Discover(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, ids(first.DiscoveredDevices), ids(second.DiscoveredDevices))
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Zero(t, second.DiscoveryTime)
	assert.EqualValues(t, 1, src.calls.Load())

	s.ClearCache()
	_, err = s.Discover(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestDiscover_CacheIsPerRequester(t *testing.T) {
	src := fixture()
	s := newService(t, src)
	fromPhone := types.DiscoveryRequest{UserID: "u1", RequestingDeviceID: "phone", DiscoveryType: types.DiscoveryFullScan}
	fromLaptop := fromPhone
	fromLaptop.RequestingDeviceID = "laptop"

	_, err := s.Discover(context.Background(), fromPhone)
	require.NoError(t, err)
	res, err := s.Discover(context.Background(), fromLaptop)
	require.NoError(t, err)

	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestDiscover_CacheExpires(t *testing.T) {
	src := fixture()
	cfg := config.Default().Discovery
	cfg.CacheTimeout = 10 * time.Millisecond
	s := New(cfg, src)
	s.Start()
	defer s.Stop()

	req := types.DiscoveryRequest{UserID: "u1", DiscoveryType: types.DiscoveryFullScan}
	_, err := s.Discover(context.Background(), req)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	res, err := s.Discover(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestDiscover_Strategies(t *testing.T) {
	tests := []struct {
		name string
		kind types.DiscoveryType
		want []string
	}{
		{"full scan", types.DiscoveryFullScan, []string{"phone", "laptop", "ext"}},
		{"capability match", types.DiscoveryCapabilityMatch, []string{"phone", "laptop"}},
		{"proximity", types.DiscoveryProximity, []string{"laptop", "phone", "ext"}},
		{"performance", types.DiscoveryPerformance, []string{"laptop", "ext", "phone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t, fixture())
			res, err := s.Discover(context.Background(), types.DiscoveryRequest{UserID: "u1", DiscoveryType: tt.kind})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.DiscoveredDevices))
			assert.Equal(t, len(tt.want), res.TotalFound)
		})
	}
}

func TestDiscover_ProximityAdjustsScore(t *testing.T) {
	s := newService(t, fixture())
	res, err := s.Discover(context.Background(), types.DiscoveryRequest{UserID: "u1", DiscoveryType: types.DiscoveryProximity})
	require.NoError(t, err)
	require.Len(t, res.DiscoveredDevices, 3)
	assert.InDelta(t, 1-0.3*0.02, res.DiscoveredDevices[0].MatchScore, 1e-9)
	assert.InDelta(t, 1-0.3*0.5, res.DiscoveredDevices[1].MatchScore, 1e-9)
	assert.Equal(t, 1.0, res.DiscoveredDevices[2].MatchScore)
}

func TestDiscover_Filters(t *testing.T) {
	tests := []struct {
		name    string
		filters []types.DeviceFilter
		want    []string
	}{
		{"device type equals", []types.DeviceFilter{{Type: types.FilterDeviceType, Operator: types.OpEquals, Value: types.StringValue("mobile")}}, []string{"phone"}},
		{"device type in", []types.DeviceFilter{{Type: types.FilterDeviceType, Operator: types.OpIn, Value: types.ListValue("desktop", "extension")}}, []string{"laptop", "ext"}},
		{"platform contains", []types.DeviceFilter{{Type: types.FilterPlatform, Operator: types.OpContains, Value: types.StringValue("lin")}}, []string{"phone", "laptop", "ext"}},
		{"capability", []types.DeviceFilter{{Type: types.FilterCapability, Operator: types.OpEquals, Value: types.StringValue("fileSync")}}, []string{"phone", "laptop"}},
		{"unknown capability", []types.DeviceFilter{{Type: types.FilterCapability, Operator: types.OpEquals, Value: types.StringValue("teleport")}}, []string{"phone", "laptop", "ext"}},
		{"cpu below", []types.DeviceFilter{{Type: types.FilterPerformance, Operator: types.OpLessThan, Value: types.NumberValue(50)}}, []string{"laptop", "ext"}},
		{"distance below", []types.DeviceFilter{{Type: types.FilterLocation, Operator: types.OpLessThan, Value: types.NumberValue(100)}}, []string{"laptop"}},
		{"battery defaults to full", []types.DeviceFilter{{Type: types.FilterBatteryLevel, Operator: types.OpGreaterThan, Value: types.NumberValue(50)}}, []string{"phone", "laptop", "ext"}},
		{"all filters must hold", []types.DeviceFilter{
			{Type: types.FilterCapability, Operator: types.OpEquals, Value: types.StringValue("fileSync")},
			{Type: types.FilterDeviceType, Operator: types.OpNotEquals, Value: types.StringValue("desktop")},
		}, []string{"phone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t, fixture())
			res, err := s.Discover(context.Background(), types.DiscoveryRequest{UserID: "u1", DiscoveryType: types.DiscoveryFullScan, Filters: tt.filters})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.DiscoveredDevices))
		})
	}
}

func TestDiscover_TruncatesToMaxDevices(t *testing.T) {
	cfg := config.Default().Discovery
	cfg.MaxDevices = 2
	s := New(cfg, fixture())
	s.Start()
	defer s.Stop()

	res, err := s.Discover(context.Background(), types.DiscoveryRequest{UserID: "u1", DiscoveryType: types.DiscoveryFullScan})
	require.NoError(t, err)
	assert.Len(t, res.DiscoveredDevices, 2)
}

func TestDiscover_Errors(t *testing.T) {
	s := New(config.Default().Discovery, fixture())
	_, err := s.Discover(context.Background(), types.DiscoveryRequest{UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, types.CodeDiscoveryError, types.CodeOf(err))

	s = newService(t, &staticSource{err: errors.New("registry offline")})
	_, err = s.Discover(context.Background(), types.DiscoveryRequest{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, types.CodeDiscoveryError, types.CodeOf(err))
	assert.Empty(t, s.ActiveDiscoveries())
}

func TestPerformanceScore(t *testing.T) {
	p := types.DevicePerformance{CPUUsage: 50, MemoryUsage: 50, NetworkStrength: 0.5, ResponseTime: 1000}
	assert.InDelta(t, (100-20-15)*0.5-10, PerformanceScore(p), 1e-9)

	p = types.DevicePerformance{CPUUsage: 100, MemoryUsage: 100, NetworkStrength: 0.1, ResponseTime: 10000}
	assert.Equal(t, 0.0, PerformanceScore(p))
}
