package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DiscoveryType selects the discovery strategy.
type DiscoveryType string

const (
	DiscoveryFullScan        DiscoveryType = "full_scan"
	DiscoveryCapabilityMatch DiscoveryType = "capability_match"
	DiscoveryProximity       DiscoveryType = "proximity_based"
	DiscoveryPerformance     DiscoveryType = "performance_based"
)

// FilterType names the candidate attribute a filter inspects.
type FilterType string

const (
	FilterDeviceType   FilterType = "device_type"
	FilterPlatform     FilterType = "platform"
	FilterCapability   FilterType = "capability"
	FilterPerformance  FilterType = "performance"
	FilterLocation     FilterType = "location"
	FilterBatteryLevel FilterType = "battery_level"
)

// FilterOperator is the comparison applied by a filter.
type FilterOperator string

const (
	OpEquals      FilterOperator = "equals"
	OpNotEquals   FilterOperator = "not_equals"
	OpGreaterThan FilterOperator = "greater_than"
	OpLessThan    FilterOperator = "less_than"
	OpContains    FilterOperator = "contains"
	OpIn          FilterOperator = "in"
)

// DeviceAvailability is the availability state of a discovered device.
type DeviceAvailability string

const (
	AvailabilityAvailable    DeviceAvailability = "available"
	AvailabilityBusy         DeviceAvailability = "busy"
	AvailabilityIdle         DeviceAvailability = "idle"
	AvailabilityDoNotDisturb DeviceAvailability = "do_not_disturb"
	AvailabilityOffline      DeviceAvailability = "offline"
)

// ValueKind tags the populated member of a FilterValue.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueList
)

// FilterValue is a closed tagged value: a string, a number or a list of strings.
// It marshals to the bare JSON value.
type FilterValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	List []string
}

// StringValue builds a string FilterValue.
func StringValue(s string) FilterValue { return FilterValue{Kind: ValueString, Str: s} }

// NumberValue builds a numeric FilterValue.
func NumberValue(n float64) FilterValue { return FilterValue{Kind: ValueNumber, Num: n} }

// ListValue builds a list FilterValue.
func ListValue(items ...string) FilterValue { return FilterValue{Kind: ValueList, List: items} }

// String renders the value for string comparisons.
func (v FilterValue) String() string {
	switch v.Kind {
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueList:
		return fmt.Sprint(v.List)
	default:
		return v.Str
	}
}

// Number returns the numeric form of the value, parsing strings when possible.
func (v FilterValue) Number() (float64, bool) {
	switch v.Kind {
	case ValueNumber:
		return v.Num, true
	case ValueString:
		n, err := strconv.ParseFloat(v.Str, 64)
		return n, err == nil
	}
	return 0, false
}

// MarshalJSON implements json.Marshaler.
func (v FilterValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	default:
		return json.Marshal(v.Str)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *FilterValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = StringValue(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*v = NumberValue(n)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = ListValue(list...)
		return nil
	}
	return fmt.Errorf("filter value must be a string, number or list of strings: %s", string(data))
}

// DeviceFilter is one predicate of a discovery request.
type DeviceFilter struct {
	Type     FilterType     `json:"type"`
	Operator FilterOperator `json:"operator"`
	Value    FilterValue    `json:"value"`
}

// DiscoveryRequest asks for candidate devices of a user.
type DiscoveryRequest struct {
	UserID             string         `json:"user_id"`
	RequestingDeviceID string         `json:"requesting_device_id"`
	DiscoveryType      DiscoveryType  `json:"discovery_type"`
	Timeout            time.Duration  `json:"timeout,omitempty"`
	Filters            []DeviceFilter `json:"filters,omitempty"`
}

// DiscoveredDevice is a candidate returned by discovery.
type DiscoveredDevice struct {
	Info         DeviceInfo         `json:"device_info"`
	MatchScore   float64            `json:"match_score"`
	Capabilities DeviceCapabilities `json:"capabilities"`
	Performance  DevicePerformance  `json:"performance"`
	Availability DeviceAvailability `json:"availability"`
	Distance     *float64           `json:"distance,omitempty"`
}

// DiscoveryError is a per-device failure reported in a discovery result.
type DiscoveryError struct {
	DeviceID  string    `json:"device_id"`
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// DiscoveryResult is the outcome of a discovery request.
type DiscoveryResult struct {
	RequestID         string             `json:"request_id"`
	DiscoveredDevices []DiscoveredDevice `json:"discovered_devices"`
	TotalFound        int                `json:"total_found"`
	DiscoveryTime     time.Duration      `json:"discovery_time"`
	Cached            bool               `json:"cached"`
	CompletedAt       time.Time          `json:"completed_at"`
	Errors            []DiscoveryError   `json:"errors,omitempty"`
}
