package types

import "time"

// NegotiationStatus is the outcome of a capability negotiation.
type NegotiationStatus string

const (
	NegotiationSuccess NegotiationStatus = "success"
	NegotiationFailed  NegotiationStatus = "failed"
	NegotiationError   NegotiationStatus = "error"
)

// NegotiationContext lists what the coordination between two devices needs.
type NegotiationContext struct {
	RequiresFileSync       bool `json:"requires_file_sync"`
	RequiresRealTimeComm   bool `json:"requires_real_time_comm"`
	RequiresVideoStreaming bool `json:"requires_video_streaming"`
	RequiresVoiceCommands  bool `json:"requires_voice_commands"`
}

// CapabilityNegotiation asks whether two devices can coordinate.
type CapabilityNegotiation struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	SourceDeviceID string             `json:"source_device_id"`
	TargetDeviceID string             `json:"target_device_id"`
	Context        NegotiationContext `json:"context"`
	CreatedAt      time.Time          `json:"created_at"`
}

// CapabilityRequirement is derived from a negotiation context.
type CapabilityRequirement struct {
	Capability string `json:"capability"`
	Required   bool   `json:"required"`
	MinVersion string `json:"min_version"`
	Priority   string `json:"priority"`
}

// CapabilityScore holds per-dimension scores, each in [0,1].
type CapabilityScore struct {
	Overall       float64 `json:"overall"`
	FileSync      float64 `json:"file_sync"`
	Communication float64 `json:"communication"`
	Performance   float64 `json:"performance"`
	Security      float64 `json:"security"`
}

// CapabilityMatch records whether one capability is usable across both devices.
type CapabilityMatch struct {
	Capability      string   `json:"capability"`
	SourceSupported bool     `json:"source_supported"`
	TargetSupported bool     `json:"target_supported"`
	Compatible      bool     `json:"compatible"`
	Limitations     []string `json:"limitations"`
}

// NegotiationResult is the outcome of a negotiation.
type NegotiationResult struct {
	NegotiationID   string                  `json:"negotiation_id"`
	UserID          string                  `json:"user_id"`
	Status          NegotiationStatus       `json:"status"`
	Score           CapabilityScore         `json:"compatibility_score"`
	Requirements    []CapabilityRequirement `json:"requirements"`
	Matches         []CapabilityMatch       `json:"matches"`
	Recommendations []string                `json:"recommendations"`
	Error           string                  `json:"error,omitempty"`
	NegotiationTime time.Duration           `json:"negotiation_time"`
	CompletedAt     time.Time               `json:"completed_at"`
}

// NegotiationStats summarise a user's negotiation history.
type NegotiationStats struct {
	Count        int           `json:"count"`
	SuccessCount int           `json:"success_count"`
	FailCount    int           `json:"fail_count"`
	AvgScore     float64       `json:"avg_score"`
	AvgTime      time.Duration `json:"avg_time"`
}
