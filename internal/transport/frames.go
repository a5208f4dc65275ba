// Package transport carries relay messages between the coordinator and
// connected devices over websockets.
package transport

import (
	"encoding/json"
	"time"

	"github.com/SallyKAN/device-relay/internal/types"
)

// FrameType is the kind of a websocket frame.
type FrameType string

const (
	FrameRelay       FrameType = "relay"
	FrameAck         FrameType = "ack"
	FramePerformance FrameType = "performance"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// Frame is the envelope exchanged on a device socket. An ack carrying an
// Error is a negative acknowledgement.
type Frame struct {
	Type        FrameType                `json:"type"`
	MessageID   string                   `json:"message_id,omitempty"`
	Message     *types.RelayMessage      `json:"message,omitempty"`
	Performance *types.DevicePerformance `json:"performance,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Timestamp   time.Time                `json:"timestamp"`
}

func encodeFrame(f Frame) ([]byte, error) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	return json.Marshal(f)
}

// AckFrame builds the acknowledgement for a relayed message. A non-nil err
// rejects it.
func AckFrame(messageID string, err error) Frame {
	f := Frame{Type: FrameAck, MessageID: messageID, Timestamp: time.Now()}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

// PerformanceFrame builds a performance report.
func PerformanceFrame(perf types.DevicePerformance) Frame {
	return Frame{Type: FramePerformance, Performance: &perf, Timestamp: time.Now()}
}
