package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a coordination failure.
type ErrorCode string

const (
	CodeDiscoveryError          ErrorCode = "DISCOVERY_ERROR"
	CodeHandoffFailed           ErrorCode = "HANDOFF_FAILED"
	CodeCapabilityMismatch      ErrorCode = "CAPABILITY_MISMATCH"
	CodeRoutingFailed           ErrorCode = "ROUTING_FAILED"
	CodeDeviceNotFound          ErrorCode = "DEVICE_NOT_FOUND"
	CodeDeviceUnreachable       ErrorCode = "DEVICE_UNREACHABLE"
	CodeInvalidRoutingPath      ErrorCode = "INVALID_ROUTING_PATH"
	CodeTopologyNotFound        ErrorCode = "TOPOLOGY_NOT_FOUND"
	CodeRegistrationFailed      ErrorCode = "DEVICE_REGISTRATION_FAILED"
	CodeUnregistrationFailed    ErrorCode = "DEVICE_UNREGISTRATION_FAILED"
	CodePerformanceUpdateFailed ErrorCode = "PERFORMANCE_UPDATE_FAILED"
	CodeNegotiationFailed       ErrorCode = "CAPABILITY_NEGOTIATION_FAILED"
	CodeInitializationFailed    ErrorCode = "INITIALIZATION_FAILED"
	CodeServiceNotRunning       ErrorCode = "SERVICE_NOT_RUNNING"
	CodeHandoffCancelled        ErrorCode = "HANDOFF_CANCELLED"
	CodeStateTransferFailed     ErrorCode = "STATE_TRANSFER_FAILED"
	CodeMessageExpired          ErrorCode = "MESSAGE_EXPIRED"
	CodeNetworkTimeout          ErrorCode = "NETWORK_TIMEOUT"
	CodeDeviceBusy              ErrorCode = "DEVICE_BUSY"
	CodeTemporaryUnavailable    ErrorCode = "TEMPORARY_UNAVAILABLE"
	CodeResourceExhausted       ErrorCode = "RESOURCE_EXHAUSTED"
	CodeUnknown                 ErrorCode = "UNKNOWN_ERROR"
)

// recoverableCodes are transient conditions a caller may retry.
var recoverableCodes = []ErrorCode{
	CodeNetworkTimeout,
	CodeDeviceBusy,
	CodeTemporaryUnavailable,
	CodeResourceExhausted,
}

// CoordinationError is the typed error returned by relay operations.
type CoordinationError struct {
	Code     ErrorCode
	DeviceID string
	Message  string
	Err      error
}

func (e *CoordinationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.DeviceID != "" {
		return fmt.Sprintf("%s (device %s): %s", e.Code, e.DeviceID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// NewError creates a coordination error with a formatted message.
func NewError(code ErrorCode, deviceID, format string, args ...any) *CoordinationError {
	return &CoordinationError{Code: code, DeviceID: deviceID, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err under code. An err that already carries a code keeps
// it reachable through errors.As on the chain.
func WrapError(code ErrorCode, deviceID string, err error, format string, args ...any) *CoordinationError {
	return &CoordinationError{Code: code, DeviceID: deviceID, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the outermost coordination code in err's chain, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

// HasCode reports whether any coordination error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var ce *CoordinationError
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Err
	}
	return false
}

// IsRecoverable reports whether err names one of the transient conditions,
// either as a code in its chain or within its message.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range recoverableCodes {
		if HasCode(err, code) || strings.Contains(msg, string(code)) {
			return true
		}
	}
	return false
}
