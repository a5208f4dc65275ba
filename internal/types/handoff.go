package types

import (
	"encoding/json"
	"time"
)

// HandoffType is the reason a handoff is executed.
type HandoffType string

const (
	HandoffManual          HandoffType = "manual"
	HandoffAutomatic       HandoffType = "automatic"
	HandoffFailover        HandoffType = "failover"
	HandoffLoadBalance     HandoffType = "load_balance"
	HandoffCapabilityBased HandoffType = "capability_based"
)

// ValidHandoffType reports whether t is one of the known handoff kinds.
func ValidHandoffType(t HandoffType) bool {
	switch t {
	case HandoffManual, HandoffAutomatic, HandoffFailover, HandoffLoadBalance, HandoffCapabilityBased:
		return true
	}
	return false
}

// HandoffStage is a step of the handoff state machine.
type HandoffStage string

const (
	StageValidate      HandoffStage = "validate"
	StagePrepareSource HandoffStage = "prepare_source"
	StagePrepareTarget HandoffStage = "prepare_target"
	StageTransferState HandoffStage = "transfer_state"
	StageFinalize      HandoffStage = "finalize"
	StageComplete      HandoffStage = "complete"
	StageFailed        HandoffStage = "failed"
)

// TransferKind is one of the state transfers run during TRANSFER_STATE.
type TransferKind string

const (
	TransferSession      TransferKind = "session"
	TransferFiles        TransferKind = "files"
	TransferConversation TransferKind = "conversation"
	TransferTask         TransferKind = "task"
)

// HandoffStatus summarises how a handoff ended.
type HandoffStatus string

const (
	HandoffStatusComplete HandoffStatus = "complete"
	HandoffStatusPartial  HandoffStatus = "partial"
	HandoffStatusFailed   HandoffStatus = "failed"
)

// HandoffMetadata is the closed set of flags that steer a handoff.
type HandoffMetadata struct {
	PreserveState bool `json:"preserve_state"`
	TransferFiles bool `json:"transfer_files"`
	NotifyUser    bool `json:"notify_user"`
}

// HandoffContext is the work being moved between devices.
type HandoffContext struct {
	SessionID      string          `json:"session_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	State          json.RawMessage `json:"state,omitempty"`
	Metadata       HandoffMetadata `json:"metadata"`
}

// HandoffRequest asks to move work from one device to another.
type HandoffRequest struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	FromDeviceID string          `json:"from_device_id"`
	ToDeviceID   string          `json:"to_device_id"`
	HandoffType  HandoffType     `json:"handoff_type"`
	Context      HandoffContext  `json:"context"`
	Priority     MessagePriority `json:"priority,omitempty"`
	Timeout      time.Duration   `json:"timeout"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HandoffError describes why a handoff did not complete.
type HandoffError struct {
	Code        ErrorCode    `json:"code"`
	Message     string       `json:"message"`
	Stage       HandoffStage `json:"stage"`
	Recoverable bool         `json:"recoverable"`
}

// HandoffResult is the outcome of a handoff.
type HandoffResult struct {
	RequestID        string         `json:"request_id"`
	UserID           string         `json:"user_id"`
	Success          bool           `json:"success"`
	Status           HandoffStatus  `json:"status"`
	FromDeviceID     string         `json:"from_device_id"`
	ToDeviceID       string         `json:"to_device_id"`
	HandoffTime      time.Duration  `json:"handoff_time"`
	CompletedAt      time.Time      `json:"completed_at"`
	StateTransferred bool           `json:"state_transferred"`
	TransferredParts []TransferKind `json:"transferred_parts,omitempty"`
	Stages           []HandoffStage `json:"stages"`
	Error            *HandoffError  `json:"error,omitempty"`
}

// HandoffStats summarise a user's handoff history.
type HandoffStats struct {
	Total       int           `json:"total"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	AverageTime time.Duration `json:"average_time"`
	SuccessRate float64       `json:"success_rate"`
}

// HandoffNotice is the payload of the handoff messages sent to the source
// and target devices while a handoff runs.
type HandoffNotice struct {
	HandoffID    string         `json:"handoff_id"`
	Stage        HandoffStage   `json:"stage"`
	Transfer     TransferKind   `json:"transfer,omitempty"`
	HandoffType  HandoffType    `json:"handoff_type"`
	FromDeviceID string         `json:"from_device_id"`
	ToDeviceID   string         `json:"to_device_id"`
	Context      HandoffContext `json:"context"`
}
