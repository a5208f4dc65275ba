package handoff

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/logger"
	"github.com/SallyKAN/device-relay/internal/types"
)

// countingHooks records how often each stage ran.
type countingHooks struct {
	mu        sync.Mutex
	source    int
	target    int
	finalize  int
	transfers []types.TransferKind

	failTransfer types.TransferKind
	transferErr  error
	sourceErr    error
	block        chan struct{}
	started      chan struct{}
}

func (h *countingHooks) PrepareSource(ctx context.Context, _ *types.HandoffRequest) error {
	h.mu.Lock()
	h.source++
	h.mu.Unlock()
	if h.block != nil {
		if h.started != nil {
			close(h.started)
		}
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.sourceErr
}

func (h *countingHooks) PrepareTarget(context.Context, *types.HandoffRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target++
	return nil
}

func (h *countingHooks) Transfer(_ context.Context, _ *types.HandoffRequest, kind types.TransferKind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind == h.failTransfer {
		return h.transferErr
	}
	h.transfers = append(h.transfers, kind)
	return nil
}

func (h *countingHooks) Finalize(context.Context, *types.HandoffRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalize++
	return nil
}

func newService(t *testing.T, hooks Hooks, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithLogger(logger.NewTestLogger())}, opts...)
	s := New(config.Default().Handoff, hooks, opts...)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func request() types.HandoffRequest {
	return types.HandoffRequest{
		ID:           "h1",
		UserID:       "u1",
		FromDeviceID: "d1",
		ToDeviceID:   "d2",
		HandoffType:  types.HandoffManual,
		Timeout:      time.Second,
		Context: types.HandoffContext{
			ConversationID: "c1",
			TaskID:         "t1",
			Metadata:       types.HandoffMetadata{PreserveState: true, TransferFiles: true},
		},
	}
}

func TestExecute_AllStages(t *testing.T) {
	hooks := &countingHooks{}
	s := newService(t, hooks)

	res, err := s.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.StateTransferred)
	assert.Equal(t, types.HandoffStatusComplete, res.Status)
	assert.Equal(t, []types.HandoffStage{
		types.StageValidate, types.StagePrepareSource, types.StagePrepareTarget,
		types.StageTransferState, types.StageFinalize, types.StageComplete,
	}, res.Stages)
	assert.Equal(t, []types.TransferKind{
		types.TransferSession, types.TransferFiles, types.TransferConversation, types.TransferTask,
	}, hooks.transfers)
	assert.Equal(t, hooks.transfers, res.TransferredParts)
	assert.Empty(t, s.Active())
}

func TestExecute_TransferGating(t *testing.T) {
	hooks := &countingHooks{}
	s := newService(t, hooks)

	req := request()
	req.Context = types.HandoffContext{TaskID: "t1"}
	res, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.StateTransferred)
	assert.Equal(t, []types.TransferKind{types.TransferTask}, hooks.transfers)
}

func TestExecute_SameDeviceRejected(t *testing.T) {
	hooks := &countingHooks{}
	s := newService(t, hooks)

	req := request()
	req.ToDeviceID = req.FromDeviceID
	res, err := s.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.CodeHandoffFailed, types.CodeOf(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, types.HandoffStatusFailed, res.Status)
	assert.Equal(t, types.StageValidate, res.Error.Stage)
	assert.False(t, res.Error.Recoverable)
	assert.Zero(t, hooks.source)
	assert.Empty(t, hooks.transfers)
}

func TestExecute_ValidationRules(t *testing.T) {
	s := newService(t, &countingHooks{})

	req := request()
	req.Timeout = 0
	_, err := s.Execute(context.Background(), req)
	assert.ErrorContains(t, err, "invalid timeout")

	req = request()
	req.HandoffType = "teleport"
	_, err = s.Execute(context.Background(), req)
	assert.ErrorContains(t, err, "invalid handoff type")
}

func TestExecute_PartialTransfer(t *testing.T) {
	hooks := &countingHooks{failTransfer: types.TransferConversation, transferErr: errors.New("DEVICE_BUSY: target locked")}
	s := newService(t, hooks)

	res, err := s.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.StateTransferred)
	assert.Equal(t, types.HandoffStatusPartial, res.Status)
	assert.Equal(t, []types.TransferKind{types.TransferSession, types.TransferFiles}, res.TransferredParts)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.CodeStateTransferFailed, res.Error.Code)
	assert.True(t, res.Error.Recoverable)
	assert.Equal(t, 1, hooks.finalize, "finalize still runs")

	st := s.Stats("u1")
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Failed)
}

func TestExecute_PrepareFailureClassified(t *testing.T) {
	s := newService(t, &countingHooks{sourceErr: errors.New("source reported TEMPORARY_UNAVAILABLE")})

	res, err := s.Execute(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, types.CodeTemporaryUnavailable, res.Error.Code)
	assert.Equal(t, types.StagePrepareSource, res.Error.Stage)
	assert.True(t, res.Error.Recoverable)
}

func TestExecute_Timeout(t *testing.T) {
	hooks := &countingHooks{block: make(chan struct{})}
	s := newService(t, hooks)

	req := request()
	req.Timeout = 20 * time.Millisecond
	res, err := s.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.CodeNetworkTimeout, res.Error.Code)
	assert.True(t, res.Error.Recoverable)
	assert.Zero(t, hooks.target)
}

func TestCancel(t *testing.T) {
	hooks := &countingHooks{block: make(chan struct{}), started: make(chan struct{})}
	bus := events.NewBus(logger.NewTestLogger())
	cancelled, unsubscribe := bus.Subscribe(4, events.HandoffCancelled)
	defer unsubscribe()
	s := newService(t, hooks, WithBus(bus))

	type outcome struct {
		res *types.HandoffResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Execute(context.Background(), request())
		done <- outcome{res, err}
	}()

	<-hooks.started
	require.Len(t, s.Active(), 1)
	require.NoError(t, s.Cancel("h1"))

	out := <-done
	require.Error(t, out.err)
	assert.Equal(t, types.CodeHandoffCancelled, out.res.Error.Code)
	assert.Zero(t, hooks.target)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected handoff:cancelled event")
	}

	assert.Error(t, s.Cancel("h1"))
}

func TestRetry_NewIdentity(t *testing.T) {
	hooks := &countingHooks{}
	s := newService(t, hooks)

	req := request()
	first, err := s.Execute(context.Background(), req)
	require.NoError(t, err)
	retried, err := s.Retry(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(retried.RequestID, req.ID+"-retry-"))
	assert.NotEqual(t, first.RequestID, retried.RequestID)
	assert.Equal(t, 2, hooks.source)
	assert.Equal(t, 2, hooks.target)
	assert.Equal(t, 2, hooks.finalize)
	assert.Len(t, hooks.transfers, 8)
	assert.Len(t, s.History("u1"), 2)
}

func TestRetry_Limit(t *testing.T) {
	s := newService(t, &countingHooks{})

	req := request()
	req.ID = "h1-retry-1-retry-2-retry-3"
	_, err := s.Retry(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryLimit)
}

func TestExecute_NotRunning(t *testing.T) {
	s := New(config.Default().Handoff, &countingHooks{})
	_, err := s.Execute(context.Background(), request())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStats(t *testing.T) {
	s := newService(t, &countingHooks{})
	_, err := s.Execute(context.Background(), request())
	require.NoError(t, err)

	bad := request()
	bad.ID = "h2"
	bad.ToDeviceID = bad.FromDeviceID
	_, _ = s.Execute(context.Background(), bad)

	st := s.Stats("u1")
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Successful)
	assert.Equal(t, 1, st.Failed)
	assert.InDelta(t, 0.5, st.SuccessRate, 1e-9)
	assert.Zero(t, s.Stats("nobody").Total)
}

func TestReject_RecordedAsFailure(t *testing.T) {
	hooks := &countingHooks{}
	bus := events.NewBus(logger.NewTestLogger())
	failed, unsubscribe := bus.Subscribe(4, events.HandoffFailed)
	defer unsubscribe()
	s := newService(t, hooks, WithBus(bus))

	req := request()
	req.ID = ""
	res := s.Reject(req, types.StagePrepareTarget,
		types.NewError(types.CodeCapabilityMismatch, req.ToDeviceID, "devices are not compatible"))

	require.NotNil(t, res)
	assert.NotEmpty(t, res.RequestID)
	assert.False(t, res.Success)
	assert.Equal(t, types.HandoffStatusFailed, res.Status)
	assert.Equal(t, types.CodeCapabilityMismatch, res.Error.Code)
	assert.Equal(t, types.StagePrepareTarget, res.Error.Stage)
	assert.Equal(t, []types.HandoffStage{types.StagePrepareTarget, types.StageFailed}, res.Stages)
	assert.Zero(t, hooks.source)

	hist := s.History("u1")
	require.Len(t, hist, 1)
	assert.Equal(t, res.RequestID, hist[0].RequestID)
	st := s.Stats("u1")
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Failed)

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("expected handoff:failed event")
	}
}
