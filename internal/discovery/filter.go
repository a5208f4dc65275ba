package discovery

import (
	"slices"
	"strings"

	"github.com/SallyKAN/device-relay/internal/types"
)

// applyFilters keeps the devices matching every filter.
func applyFilters(devices []types.DiscoveredDevice, filters []types.DeviceFilter) []types.DiscoveredDevice {
	if len(filters) == 0 {
		return devices
	}
	out := devices[:0:0]
	for _, d := range devices {
		ok := true
		for _, f := range filters {
			if !matchesFilter(d, f) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func matchesFilter(d types.DiscoveredDevice, f types.DeviceFilter) bool {
	switch f.Type {
	case types.FilterDeviceType:
		return compareString(string(d.Info.Type), f.Value, f.Operator)
	case types.FilterPlatform:
		return compareString(d.Info.Platform, f.Value, f.Operator)
	case types.FilterCapability:
		return matchesCapability(d.Capabilities, f)
	case types.FilterPerformance:
		return compareNumber(d.Performance.CPUUsage, f.Value, f.Operator)
	case types.FilterLocation:
		if d.Distance == nil {
			return false
		}
		return compareNumber(*d.Distance, f.Value, f.Operator)
	case types.FilterBatteryLevel:
		battery := 100.0
		if d.Performance.BatteryLevel != nil {
			battery = *d.Performance.BatteryLevel
		}
		return compareNumber(battery, f.Value, f.Operator)
	}
	return true
}

// hasCapability reports support for a named capability. Unknown names match.
func hasCapability(c types.DeviceCapabilities, name string) bool {
	switch name {
	case "fileSync":
		return c.SupportsFileSync
	case "voiceCommands":
		return c.SupportsVoiceCommands
	case "videoStreaming":
		return c.SupportsVideoStreaming
	case "notifications":
		return c.SupportsNotifications
	}
	return true
}

func matchesCapability(c types.DeviceCapabilities, f types.DeviceFilter) bool {
	if f.Value.Kind == types.ValueList {
		for _, name := range f.Value.List {
			if !hasCapability(c, name) {
				return false
			}
		}
		return true
	}
	has := hasCapability(c, f.Value.String())
	if f.Operator == types.OpNotEquals {
		return !has
	}
	return has
}

func compareString(v string, fv types.FilterValue, op types.FilterOperator) bool {
	switch op {
	case types.OpEquals:
		return fv.Kind != types.ValueList && v == fv.String()
	case types.OpNotEquals:
		return fv.Kind == types.ValueList || v != fv.String()
	case types.OpGreaterThan:
		return v > fv.String()
	case types.OpLessThan:
		return v < fv.String()
	case types.OpContains:
		return strings.Contains(v, fv.String())
	case types.OpIn:
		return fv.Kind == types.ValueList && slices.Contains(fv.List, v)
	}
	return true
}

func compareNumber(v float64, fv types.FilterValue, op types.FilterOperator) bool {
	switch op {
	case types.OpContains:
		return strings.Contains(types.NumberValue(v).String(), fv.String())
	case types.OpIn:
		return fv.Kind == types.ValueList && slices.Contains(fv.List, types.NumberValue(v).String())
	}

	n, ok := fv.Number()
	if !ok {
		return op == types.OpNotEquals
	}
	switch op {
	case types.OpEquals:
		return v == n
	case types.OpNotEquals:
		return v != n
	case types.OpGreaterThan:
		return v > n
	case types.OpLessThan:
		return v < n
	}
	return true
}
