package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SallyKAN/device-relay/internal/types"
)

const (
	// Time allowed to write a frame to the device.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the device.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1 << 20

	sendBuffer = 64
)

// Client is a device's websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	deviceID string
	send     chan []byte

	ackMu sync.Mutex
	acks  map[string]chan error

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, deviceID string) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		deviceID: deviceID,
		send:     make(chan []byte, sendBuffer),
		acks:     make(map[string]chan error),
		done:     make(chan struct{}),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write pump without blocking.
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return types.NewError(types.CodeDeviceBusy, c.deviceID, "send buffer full")
	}
}

func (c *Client) expectAck(messageID string) chan error {
	ch := make(chan error, 1)
	c.ackMu.Lock()
	c.acks[messageID] = ch
	c.ackMu.Unlock()
	return ch
}

func (c *Client) dropAck(messageID string, ch chan error) {
	c.ackMu.Lock()
	if c.acks[messageID] == ch {
		delete(c.acks, messageID)
	}
	c.ackMu.Unlock()
}

func (c *Client) resolveAck(messageID string, err error) {
	c.ackMu.Lock()
	ch := c.acks[messageID]
	delete(c.acks, messageID)
	c.ackMu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// readPump decodes frames from the device until the socket fails.
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Str("device_id", c.deviceID).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.log.Warn().Err(err).Str("device_id", c.deviceID).Msg("Dropping malformed frame")
			continue
		}
		c.hub.handleFrame(c, f)
	}
}

// writePump serialises writes to the socket and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.log.Debug().Err(err).Str("device_id", c.deviceID).Msg("WebSocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
