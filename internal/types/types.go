package types

import (
	"encoding/json"
	"time"
)

// DeviceType is the class of a device.
type DeviceType string

const (
	DeviceTypeDesktop   DeviceType = "desktop"
	DeviceTypeMobile    DeviceType = "mobile"
	DeviceTypeExtension DeviceType = "extension"
	DeviceTypeBrowser   DeviceType = "browser"
)

// ValidDeviceType reports whether t is a known device class.
func ValidDeviceType(t DeviceType) bool {
	switch t {
	case DeviceTypeDesktop, DeviceTypeMobile, DeviceTypeExtension, DeviceTypeBrowser:
		return true
	}
	return false
}

// DeviceCapabilities is the feature set a device advertises.
type DeviceCapabilities struct {
	SupportsFileSync       bool     `json:"supports_file_sync" yaml:"supports_file_sync"`
	SupportsVoiceCommands  bool     `json:"supports_voice_commands" yaml:"supports_voice_commands"`
	SupportsVideoStreaming bool     `json:"supports_video_streaming" yaml:"supports_video_streaming"`
	SupportsNotifications  bool     `json:"supports_notifications" yaml:"supports_notifications"`
	MaxFileSize            int64    `json:"max_file_size" yaml:"max_file_size"`
	SupportedFormats       []string `json:"supported_formats" yaml:"supported_formats"`
}

// Clone returns a deep copy.
func (c DeviceCapabilities) Clone() DeviceCapabilities {
	cp := c
	if c.SupportedFormats != nil {
		cp.SupportedFormats = append([]string(nil), c.SupportedFormats...)
	}
	return cp
}

// DeviceInfo is the static descriptor supplied when a device registers.
type DeviceInfo struct {
	ID           string             `json:"id" yaml:"id"`
	UserID       string             `json:"user_id" yaml:"user_id"`
	Type         DeviceType         `json:"type" yaml:"type"`
	Platform     string             `json:"platform" yaml:"platform"`
	Version      string             `json:"version,omitempty" yaml:"version,omitempty"`
	Capabilities DeviceCapabilities `json:"capabilities" yaml:"capabilities"`
	LastSeen     time.Time          `json:"last_seen" yaml:"last_seen"`
}

// DeviceRole is the role a device holds within its user's topology.
type DeviceRole string

const (
	RolePrimary   DeviceRole = "primary"
	RoleSecondary DeviceRole = "secondary"
	RoleBackup    DeviceRole = "backup"
	RoleObserver  DeviceRole = "observer"
)

// ConnectionQuality is a coarse tier derived from performance data.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
	QualityUnstable  ConnectionQuality = "unstable"
)

// Connection describes the link to a device.
type Connection struct {
	ID          string            `json:"id"`
	Quality     ConnectionQuality `json:"quality"`
	Latency     float64           `json:"latency"`
	Bandwidth   float64           `json:"bandwidth"`
	Reliability float64           `json:"reliability"`
	LastPing    time.Time         `json:"last_ping"`
	Active      bool              `json:"active"`
}

// DevicePerformance is a performance sample reported for a device.
// BatteryLevel is nil for mains-powered devices.
type DevicePerformance struct {
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	BatteryLevel    *float64  `json:"battery_level,omitempty"`
	NetworkStrength float64   `json:"network_strength"`
	ResponseTime    float64   `json:"response_time"`
	Throughput      float64   `json:"throughput"`
	LastMeasured    time.Time `json:"last_measured"`
}

// Clone returns a deep copy.
func (p DevicePerformance) Clone() DevicePerformance {
	cp := p
	if p.BatteryLevel != nil {
		b := *p.BatteryLevel
		cp.BatteryLevel = &b
	}
	return cp
}

// DeviceNode is a device as tracked inside a topology.
type DeviceNode struct {
	Info         DeviceInfo        `json:"device_info"`
	Connections  []Connection      `json:"connections"`
	Priority     int               `json:"priority"`
	Role         DeviceRole        `json:"role"`
	Performance  DevicePerformance `json:"performance"`
	LastActivity time.Time         `json:"last_activity"`
	IsReachable  bool              `json:"is_reachable"`
}

// PrimaryConnection returns the first connection, or a zero value.
func (n *DeviceNode) PrimaryConnection() Connection {
	if len(n.Connections) == 0 {
		return Connection{}
	}
	return n.Connections[0]
}

// Clone returns a deep copy of the node.
func (n *DeviceNode) Clone() *DeviceNode {
	cp := *n
	cp.Info.Capabilities = n.Info.Capabilities.Clone()
	cp.Performance = n.Performance.Clone()
	if n.Connections != nil {
		cp.Connections = append([]Connection(nil), n.Connections...)
	}
	return &cp
}

// DeviceTopology is the set of devices known for one user.
type DeviceTopology struct {
	UserID        string                 `json:"user_id"`
	Devices       map[string]*DeviceNode `json:"devices"`
	PrimaryDevice string                 `json:"primary_device,omitempty"`
	Version       int64                  `json:"version"`
	LastUpdated   time.Time              `json:"last_updated"`
}

// Clone returns a deep copy of the topology.
func (t *DeviceTopology) Clone() *DeviceTopology {
	cp := *t
	cp.Devices = make(map[string]*DeviceNode, len(t.Devices))
	for id, n := range t.Devices {
		cp.Devices[id] = n.Clone()
	}
	return &cp
}

// RelayMessageType identifies the purpose of a relay message.
type RelayMessageType string

const (
	MessageDiscoveryRequest   RelayMessageType = "discovery_request"
	MessageDiscoveryResponse  RelayMessageType = "discovery_response"
	MessageHandoffRequest     RelayMessageType = "handoff_request"
	MessageHandoffResponse    RelayMessageType = "handoff_response"
	MessageCapabilityQuery    RelayMessageType = "capability_query"
	MessageCapabilityResponse RelayMessageType = "capability_response"
	MessageTopologyUpdate     RelayMessageType = "topology_update"
	MessagePerformanceUpdate  RelayMessageType = "performance_update"
	MessageStatusSync         RelayMessageType = "status_sync"
	MessageApplication        RelayMessageType = "application"
)

// RoutingStrategy selects how a delivery path is computed.
type RoutingStrategy string

const (
	RouteDirect          RoutingStrategy = "direct"
	RouteShortestPath    RoutingStrategy = "shortest_path"
	RouteBestPerformance RoutingStrategy = "best_performance"
	RouteLoadBalanced    RoutingStrategy = "load_balanced"
	RouteRedundant       RoutingStrategy = "redundant"
)

// MessagePriority orders messages and handoffs.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// RoutingInfo carries the routing parameters of a relay message.
type RoutingInfo struct {
	Strategy        RoutingStrategy `json:"strategy"`
	MaxHops         int             `json:"max_hops,omitempty"`
	TTL             time.Duration   `json:"ttl,omitempty"`
	FallbackDevices []string        `json:"fallback_devices,omitempty"`
	Path            []string        `json:"path,omitempty"`
}

// DeliveryOptions controls how the final hop is delivered.
type DeliveryOptions struct {
	RequireAck    bool          `json:"require_ack"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	RetryCount    int           `json:"retry_count"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty"`
	PreserveOrder bool          `json:"preserve_order"`
	FallbackToAny bool          `json:"fallback_to_any"`
}

// RelayMessage is an application message augmented with routing data.
type RelayMessage struct {
	ID           string           `json:"id"`
	Type         RelayMessageType `json:"type"`
	UserID       string           `json:"user_id,omitempty"`
	FromDeviceID string           `json:"from_device_id"`
	ToDeviceID   string           `json:"to_device_id,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Priority     MessagePriority  `json:"priority,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	Routing      RoutingInfo      `json:"routing"`
	Delivery     DeliveryOptions  `json:"delivery"`
}

// RouteResult reports where a message was delivered.
type RouteResult struct {
	MessageID   string        `json:"message_id"`
	Path        []string      `json:"path"`
	DeliveredTo string        `json:"delivered_to"`
	Latency     time.Duration `json:"latency"`
}

// TopologyDevice is one entry of a topology-update payload.
type TopologyDevice struct {
	DeviceID    string     `json:"device_id"`
	Type        DeviceType `json:"type"`
	Role        DeviceRole `json:"role"`
	Priority    int        `json:"priority"`
	IsReachable bool       `json:"is_reachable"`
}

// TopologyUpdate is the payload broadcast after every topology mutation.
type TopologyUpdate struct {
	UserID        string           `json:"user_id"`
	Devices       []TopologyDevice `json:"devices"`
	PrimaryDevice string           `json:"primary_device,omitempty"`
	Version       int64            `json:"version"`
}

// RelayMetrics are cumulative counters for the relay.
type RelayMetrics struct {
	TotalDevices           int       `json:"total_devices"`
	ActiveDevices          int       `json:"active_devices"`
	DiscoveryRequests      int64     `json:"discovery_requests"`
	SuccessfulDiscoveries  int64     `json:"successful_discoveries"`
	HandoffRequests        int64     `json:"handoff_requests"`
	SuccessfulHandoffs     int64     `json:"successful_handoffs"`
	AverageHandoffTime     float64   `json:"average_handoff_time_ms"`
	CapabilityNegotiations int64     `json:"capability_negotiations"`
	SuccessfulNegotiations int64     `json:"successful_negotiations"`
	RoutedMessages         int64     `json:"routed_messages"`
	FailedRoutes           int64     `json:"failed_routes"`
	AverageLatency         float64   `json:"average_latency_ms"`
	LastUpdated            time.Time `json:"last_updated"`
}

// RegisterResponse is returned to a device after registration.
type RegisterResponse struct {
	DeviceID        string     `json:"device_id"`
	Token           string     `json:"token"`
	Role            DeviceRole `json:"role"`
	Priority        int        `json:"priority"`
	TopologyVersion int64      `json:"topology_version"`
}

// PerformanceAlert lists the thresholds a performance sample crossed.
type PerformanceAlert struct {
	DeviceID    string            `json:"device_id"`
	Reasons     []string          `json:"reasons"`
	Performance DevicePerformance `json:"performance"`
}
