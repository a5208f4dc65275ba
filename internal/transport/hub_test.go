package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/types"
)

type recordingListener struct {
	active   chan string
	perf     chan types.DevicePerformance
	messages chan *types.RelayMessage
	gone     chan string
	routeErr error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		active:   make(chan string, 64),
		perf:     make(chan types.DevicePerformance, 8),
		messages: make(chan *types.RelayMessage, 8),
		gone:     make(chan string, 8),
	}
}

func (l *recordingListener) DeviceActive(_ context.Context, id string) {
	select {
	case l.active <- id:
	default:
	}
}

func (l *recordingListener) DevicePerformance(_ context.Context, _ string, perf types.DevicePerformance) {
	l.perf <- perf
}

func (l *recordingListener) DeviceMessage(_ context.Context, _ string, msg *types.RelayMessage) error {
	l.messages <- msg
	return l.routeErr
}

func (l *recordingListener) DeviceDisconnected(_ context.Context, id string) {
	l.gone <- id
}

// connect starts a hub behind httptest and dials it as deviceID.
func connect(t *testing.T, hub *Hub, deviceID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeDevice(w, r, deviceID)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Connected(deviceID) }, time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_SendWithoutAck(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	conn := connect(t, hub, "dev-1")

	msg := &types.RelayMessage{ID: "m-1", Type: types.MessageApplication, FromDeviceID: "dev-2", ToDeviceID: "dev-1"}
	require.NoError(t, hub.SendToDevice(context.Background(), "dev-1", msg))

	f := readFrame(t, conn)
	assert.Equal(t, FrameRelay, f.Type)
	assert.Equal(t, "m-1", f.MessageID)
	require.NotNil(t, f.Message)
	assert.Equal(t, "dev-2", f.Message.FromDeviceID)
}

func TestHub_SendWaitsForAck(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	conn := connect(t, hub, "dev-1")

	go func() {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		_ = conn.WriteJSON(AckFrame(f.MessageID, nil))
	}()

	msg := &types.RelayMessage{ID: "m-2", Delivery: types.DeliveryOptions{RequireAck: true}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, hub.SendToDevice(ctx, "dev-1", msg))
}

func TestHub_NegativeAck(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	conn := connect(t, hub, "dev-1")

	go func() {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		_ = conn.WriteJSON(AckFrame(f.MessageID, errors.New("unsupported payload")))
	}()

	msg := &types.RelayMessage{ID: "m-3", Delivery: types.DeliveryOptions{RequireAck: true}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := hub.SendToDevice(ctx, "dev-1", msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payload")
}

func TestHub_AckTimeout(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	connect(t, hub, "dev-1")

	msg := &types.RelayMessage{ID: "m-4", Delivery: types.DeliveryOptions{RequireAck: true}}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := hub.SendToDevice(ctx, "dev-1", msg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_NotConnected(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()

	err := hub.SendToDevice(context.Background(), "ghost", &types.RelayMessage{ID: "m-5"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHub_PingGetsPong(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	conn := connect(t, hub, "dev-1")

	require.NoError(t, conn.WriteJSON(Frame{Type: FramePing}))
	f := readFrame(t, conn)
	assert.Equal(t, FramePong, f.Type)
}

func TestHub_PerformanceReachesListener(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	l := newRecordingListener()
	hub.SetListener(l)
	conn := connect(t, hub, "dev-1")

	require.NoError(t, conn.WriteJSON(PerformanceFrame(types.DevicePerformance{CPUUsage: 42, NetworkStrength: 0.8})))

	select {
	case perf := <-l.perf:
		assert.Equal(t, 42.0, perf.CPUUsage)
		assert.Equal(t, 0.8, perf.NetworkStrength)
	case <-time.After(2 * time.Second):
		t.Fatal("performance sample not delivered")
	}
	assert.Equal(t, "dev-1", <-l.active)
}

func TestHub_RelayFromDeviceIsAcked(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	l := newRecordingListener()
	hub.SetListener(l)
	conn := connect(t, hub, "dev-1")

	msg := &types.RelayMessage{ID: "m-6", ToDeviceID: "dev-2", Payload: json.RawMessage(`{"x":1}`)}
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameRelay, MessageID: msg.ID, Message: msg}))

	got := <-l.messages
	assert.Equal(t, "dev-2", got.ToDeviceID)

	f := readFrame(t, conn)
	assert.Equal(t, FrameAck, f.Type)
	assert.Equal(t, "m-6", f.MessageID)
	assert.Empty(t, f.Error)
}

func TestHub_DisconnectNotifiesListener(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	l := newRecordingListener()
	hub.SetListener(l)
	conn := connect(t, hub, "dev-1")

	require.NoError(t, conn.Close())

	select {
	case id := <-l.gone:
		assert.Equal(t, "dev-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, hub.Connected("dev-1"))
}

func TestHub_ReconnectReplacesClient(t *testing.T) {
	hub := NewHub(logger.NewTestLogger())
	defer hub.Close()
	l := newRecordingListener()
	hub.SetListener(l)

	first := connect(t, hub, "dev-1")
	second := connect(t, hub, "dev-1")

	// The replaced socket is closed by the hub.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, hub.SendToDevice(context.Background(), "dev-1", &types.RelayMessage{ID: "m-7"}))
	f := readFrame(t, second)
	assert.Equal(t, "m-7", f.MessageID)
	assert.Equal(t, []string{"dev-1"}, hub.ConnectedDevices())

	select {
	case id := <-l.gone:
		t.Fatalf("unexpected disconnect for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}
