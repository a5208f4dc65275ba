package device

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/transport"
	"github.com/SallyKAN/device-relay/internal/types"
)

type handoffRecorder struct {
	notices []types.HandoffNotice
	err     error
}

func (r *handoffRecorder) HandleHandoff(_ context.Context, n types.HandoffNotice) error {
	r.notices = append(r.notices, n)
	return r.err
}

func topologyMessage(t *testing.T, to string, version int64, primary string) *types.RelayMessage {
	t.Helper()
	payload, err := json.Marshal(types.TopologyUpdate{
		UserID:        "u1",
		PrimaryDevice: primary,
		Version:       version,
		Devices:       []types.TopologyDevice{{DeviceID: primary, Role: types.RolePrimary, IsReachable: true}},
	})
	require.NoError(t, err)
	return &types.RelayMessage{ID: "m", Type: types.MessageTopologyUpdate, FromDeviceID: "system", ToDeviceID: to, Payload: payload}
}

func TestHandler_KeepsNewestTopology(t *testing.T) {
	h := NewHandler("laptop", nil, nil, logger.NewTestLogger())
	assert.Nil(t, h.Topology())

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, topologyMessage(t, "laptop", 2, "laptop")))
	require.NoError(t, h.Handle(ctx, topologyMessage(t, "laptop", 1, "phone")))

	topo := h.Topology()
	require.NotNil(t, topo)
	assert.Equal(t, int64(2), topo.Version)
	assert.Equal(t, "laptop", topo.PrimaryDevice)

	require.NoError(t, h.Handle(ctx, topologyMessage(t, "laptop", 3, "phone")))
	assert.Equal(t, "phone", h.Topology().PrimaryDevice)
}

func TestHandler_TopologyIsCopied(t *testing.T) {
	h := NewHandler("laptop", nil, nil, logger.NewTestLogger())
	require.NoError(t, h.Handle(context.Background(), topologyMessage(t, "laptop", 1, "laptop")))

	topo := h.Topology()
	topo.Devices[0].DeviceID = "changed"
	assert.Equal(t, "laptop", h.Topology().Devices[0].DeviceID)
}

func TestHandler_RejectsMisaddressedMessage(t *testing.T) {
	h := NewHandler("laptop", nil, nil, logger.NewTestLogger())
	err := h.Handle(context.Background(), topologyMessage(t, "phone", 1, "phone"))
	require.Error(t, err)
	assert.Nil(t, h.Topology())
}

func TestHandler_DispatchesHandoffNotice(t *testing.T) {
	rec := &handoffRecorder{}
	h := NewHandler("phone", rec, nil, logger.NewTestLogger())

	payload, err := json.Marshal(types.HandoffNotice{
		HandoffID: "h1",
		Stage:     types.StageTransferState,
		Transfer:  types.TransferSession,
	})
	require.NoError(t, err)
	msg := &types.RelayMessage{ID: "m1", Type: types.MessageHandoffRequest, ToDeviceID: "phone", Payload: payload}

	require.NoError(t, h.Handle(context.Background(), msg))
	require.Len(t, rec.notices, 1)
	assert.Equal(t, "h1", rec.notices[0].HandoffID)
	assert.Equal(t, types.TransferSession, rec.notices[0].Transfer)
}

func TestHandler_InboxReceivesApplicationMessages(t *testing.T) {
	var got []*types.RelayMessage
	inbox := func(_ context.Context, msg *types.RelayMessage) error {
		got = append(got, msg)
		return nil
	}
	h := NewHandler("laptop", nil, inbox, logger.NewTestLogger())

	msg := &types.RelayMessage{ID: "m1", Type: types.MessageApplication, Payload: json.RawMessage(`{"text":"hi"}`)}
	require.NoError(t, h.Handle(context.Background(), msg))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].Payload))
}

func TestHandler_FrameReplies(t *testing.T) {
	rec := &handoffRecorder{err: errors.New("busy with a call")}
	h := NewHandler("phone", rec, nil, logger.NewTestLogger())
	ctx := context.Background()

	pong := h.HandleFrame(ctx, transport.Frame{Type: transport.FramePing})
	require.NotNil(t, pong)
	assert.Equal(t, transport.FramePong, pong.Type)

	ok := h.HandleFrame(ctx, transport.Frame{Type: transport.FrameRelay, Message: &types.RelayMessage{ID: "m1", Type: types.MessageStatusSync}})
	require.NotNil(t, ok)
	assert.Equal(t, transport.FrameAck, ok.Type)
	assert.Equal(t, "m1", ok.MessageID)
	assert.Empty(t, ok.Error)

	payload, _ := json.Marshal(types.HandoffNotice{HandoffID: "h1", Stage: types.StagePrepareTarget})
	nack := h.HandleFrame(ctx, transport.Frame{Type: transport.FrameRelay, Message: &types.RelayMessage{ID: "m2", Type: types.MessageHandoffRequest, Payload: payload}})
	require.NotNil(t, nack)
	assert.Equal(t, "m2", nack.MessageID)
	assert.Equal(t, "busy with a call", nack.Error)

	assert.Nil(t, h.HandleFrame(ctx, transport.Frame{Type: transport.FrameAck, MessageID: "x"}))
}
