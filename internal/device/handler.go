package device

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/transport"
	"github.com/SallyKAN/device-relay/internal/types"
)

// HandoffReceiver reacts to the handoff stages a device takes part in. An
// error rejects the stage and fails the handoff on the coordinator.
type HandoffReceiver interface {
	HandleHandoff(ctx context.Context, notice types.HandoffNotice) error
}

// InboxFunc receives application messages.
type InboxFunc func(ctx context.Context, msg *types.RelayMessage) error

// Handler processes the messages the coordinator relays to this device.
type Handler struct {
	deviceID string
	handoffs HandoffReceiver
	inbox    InboxFunc
	log      zerolog.Logger

	mu       sync.RWMutex
	topology *types.TopologyUpdate
}

// NewHandler creates a handler for deviceID. handoffs and inbox may be nil.
func NewHandler(deviceID string, handoffs HandoffReceiver, inbox InboxFunc, log zerolog.Logger) *Handler {
	return &Handler{
		deviceID: deviceID,
		handoffs: handoffs,
		inbox:    inbox,
		log:      log,
	}
}

// Topology returns the newest topology update received, or nil.
func (h *Handler) Topology() *types.TopologyUpdate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.topology == nil {
		return nil
	}
	cp := *h.topology
	cp.Devices = append([]types.TopologyDevice(nil), h.topology.Devices...)
	return &cp
}

// Handle processes one relayed message. Topology updates older than the
// held version are ignored.
func (h *Handler) Handle(ctx context.Context, msg *types.RelayMessage) error {
	if msg.ToDeviceID != "" && msg.ToDeviceID != h.deviceID {
		return fmt.Errorf("message %s is addressed to %s, not %s", msg.ID, msg.ToDeviceID, h.deviceID)
	}

	switch msg.Type {
	case types.MessageTopologyUpdate:
		var update types.TopologyUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			return fmt.Errorf("decoding topology update: %w", err)
		}
		h.mu.Lock()
		stale := h.topology != nil && update.Version <= h.topology.Version
		if !stale {
			h.topology = &update
		}
		h.mu.Unlock()
		if !stale {
			h.log.Info().Int64("version", update.Version).Str("primary", update.PrimaryDevice).Int("devices", len(update.Devices)).Msg("Topology updated")
		}
		return nil

	case types.MessageHandoffRequest, types.MessageHandoffResponse:
		var notice types.HandoffNotice
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			return fmt.Errorf("decoding handoff notice: %w", err)
		}
		h.log.Info().Str("handoff_id", notice.HandoffID).Str("stage", string(notice.Stage)).Str("transfer", string(notice.Transfer)).Msg("Handoff stage")
		if h.handoffs == nil {
			return nil
		}
		return h.handoffs.HandleHandoff(ctx, notice)

	default:
		if h.inbox != nil {
			return h.inbox(ctx, msg)
		}
		h.log.Info().Str("message_id", msg.ID).Str("type", string(msg.Type)).Str("from", msg.FromDeviceID).Int("bytes", len(msg.Payload)).Msg("Message received")
		return nil
	}
}

// HandleFrame processes a frame read from the socket and returns the reply
// to send, if any.
func (h *Handler) HandleFrame(ctx context.Context, f transport.Frame) *transport.Frame {
	switch f.Type {
	case transport.FrameRelay:
		if f.Message == nil {
			return nil
		}
		err := h.Handle(ctx, f.Message)
		if err != nil {
			h.log.Warn().Err(err).Str("message_id", f.Message.ID).Msg("Rejecting message")
		}
		ack := transport.AckFrame(f.Message.ID, err)
		return &ack
	case transport.FramePing:
		return &transport.Frame{Type: transport.FramePong}
	default:
		return nil
	}
}
