package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/types"
)

// ErrNotConnected is returned when a device has no open socket.
var ErrNotConnected = errors.New("device not connected")

// Listener receives device activity seen on the sockets.
type Listener interface {
	DeviceActive(ctx context.Context, deviceID string)
	DevicePerformance(ctx context.Context, deviceID string, perf types.DevicePerformance)
	DeviceMessage(ctx context.Context, deviceID string, msg *types.RelayMessage) error
	DeviceDisconnected(ctx context.Context, deviceID string)
}

// Hub tracks one websocket client per device and delivers relay frames to
// them.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	listener Listener

	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	log      zerolog.Logger
}

// NewHub creates a hub with no connected devices.
func NewHub(log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices authenticate with a token, not an origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// SetListener installs the receiver for device activity. It must be called
// before devices connect.
func (h *Hub) SetListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

func (h *Hub) currentListener() Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listener
}

// ServeDevice upgrades the request to a websocket owned by deviceID. An
// existing socket for the same device is closed.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("device_id", deviceID).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(h, conn, deviceID)
	h.mu.Lock()
	old := h.clients[deviceID]
	h.clients[deviceID] = c
	listener := h.listener
	h.mu.Unlock()

	if old != nil {
		h.log.Info().Str("device_id", deviceID).Msg("Replacing existing device connection")
		old.close()
	}

	go c.writePump()
	go c.readPump()

	h.log.Info().Str("device_id", deviceID).Str("remote", r.RemoteAddr).Msg("Device connected")
	if listener != nil {
		listener.DeviceActive(h.ctx, deviceID)
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	current := h.clients[c.deviceID] == c
	if current {
		delete(h.clients, c.deviceID)
	}
	listener := h.listener
	h.mu.Unlock()

	c.close()
	if !current {
		return
	}
	h.log.Info().Str("device_id", c.deviceID).Msg("Device disconnected")
	if listener != nil {
		listener.DeviceDisconnected(h.ctx, c.deviceID)
	}
}

func (h *Hub) client(deviceID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[deviceID]
}

// Connected reports whether deviceID has an open socket.
func (h *Hub) Connected(deviceID string) bool {
	return h.client(deviceID) != nil
}

// ConnectedDevices returns the ids of connected devices, sorted.
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// SendToDevice writes msg to the device's socket. With RequireAck set it
// waits until the device acknowledges the message id or ctx ends.
func (h *Hub) SendToDevice(ctx context.Context, deviceID string, msg *types.RelayMessage) error {
	c := h.client(deviceID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	data, err := encodeFrame(Frame{Type: FrameRelay, MessageID: msg.ID, Message: msg})
	if err != nil {
		return fmt.Errorf("encoding relay frame: %w", err)
	}

	var ack chan error
	if msg.Delivery.RequireAck {
		ack = c.expectAck(msg.ID)
		defer c.dropAck(msg.ID, ack)
	}
	if err := c.enqueue(data); err != nil {
		return err
	}
	if ack == nil {
		return nil
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
}

func (h *Hub) handleFrame(c *Client, f Frame) {
	listener := h.currentListener()
	if listener != nil {
		listener.DeviceActive(h.ctx, c.deviceID)
	}

	switch f.Type {
	case FramePing:
		if data, err := encodeFrame(Frame{Type: FramePong}); err == nil {
			_ = c.enqueue(data)
		}
	case FramePong:
	case FrameAck:
		var err error
		if f.Error != "" {
			err = fmt.Errorf("device %s rejected message %s: %s", c.deviceID, f.MessageID, f.Error)
		}
		c.resolveAck(f.MessageID, err)
	case FramePerformance:
		if f.Performance != nil && listener != nil {
			listener.DevicePerformance(h.ctx, c.deviceID, *f.Performance)
		}
	case FrameRelay:
		if f.Message == nil || listener == nil {
			return
		}
		// Routing may deliver back to this device and wait on its acks, so it
		// must not run on the read loop.
		go func() {
			err := listener.DeviceMessage(h.ctx, c.deviceID, f.Message)
			if data, encErr := encodeFrame(AckFrame(f.Message.ID, err)); encErr == nil {
				_ = c.enqueue(data)
			}
		}()
	default:
		h.log.Debug().Str("device_id", c.deviceID).Str("type", string(f.Type)).Msg("Ignoring unknown frame")
	}
}

// Close disconnects every device.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
