// Package handoff moves active work from one device to another through a
// fixed sequence of stages.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/history"
	"github.com/SallyKAN/device-relay/internal/types"
)

// HistoryLimit is the number of results kept per user.
const HistoryLimit = 50

var (
	// ErrNotRunning is returned when the service has not been started.
	ErrNotRunning = errors.New("handoff service not running")
	// ErrCancelled is the cancellation cause of a cancelled handoff.
	ErrCancelled = errors.New("handoff cancelled")
	// ErrRetryLimit is returned when a retry chain exceeds the configured maximum.
	ErrRetryLimit = errors.New("retry limit reached")
)

// Hooks perform the device-facing work of each stage.
type Hooks interface {
	PrepareSource(ctx context.Context, req *types.HandoffRequest) error
	PrepareTarget(ctx context.Context, req *types.HandoffRequest) error
	Transfer(ctx context.Context, req *types.HandoffRequest, kind types.TransferKind) error
	Finalize(ctx context.Context, req *types.HandoffRequest) error
}

type activeHandoff struct {
	req    types.HandoffRequest
	cancel context.CancelCauseFunc
}

// Service executes handoffs and keeps their history.
type Service struct {
	cfg     config.HandoffConfig
	hooks   Hooks
	bus     *events.Bus
	log     zerolog.Logger
	archive history.Archive
	history *history.Store[types.HandoffResult]

	running atomic.Bool

	mu     sync.Mutex
	active map[string]*activeHandoff
}

// Option configures a Service.
type Option func(*Service)

// WithBus publishes lifecycle events to bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithArchive writes results through to archive.
func WithArchive(archive history.Archive) Option {
	return func(s *Service) { s.archive = archive }
}

// New creates a stopped handoff service.
func New(cfg config.HandoffConfig, hooks Hooks, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		hooks:  hooks,
		log:    zerolog.Nop(),
		active: make(map[string]*activeHandoff),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = history.New[types.HandoffResult]("handoff", HistoryLimit, s.archive, s.log)
	return s
}

// Start marks the service running.
func (s *Service) Start() {
	s.running.Store(true)
}

// Stop marks the service stopped and cancels in-flight handoffs.
func (s *Service) Stop() {
	s.running.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.active {
		a.cancel(ErrNotRunning)
		delete(s.active, id)
	}
}

// run tracks the progress of one execution.
type run struct {
	req    *types.HandoffRequest
	result *types.HandoffResult
	stage  types.HandoffStage
}

func (r *run) enter(stage types.HandoffStage) {
	r.stage = stage
	r.result.Stages = append(r.result.Stages, stage)
}

// Execute runs req through every stage. A failed sub-transfer yields a
// PARTIAL result with a nil error; any other failure yields a FAILED result
// together with a HANDOFF_FAILED error.
func (s *Service) Execute(ctx context.Context, req types.HandoffRequest) (*types.HandoffResult, error) {
	if !s.running.Load() {
		return nil, types.WrapError(types.CodeHandoffFailed, req.FromDeviceID, ErrNotRunning, "execute handoff")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if _, dup := s.active[req.ID]; dup {
		s.mu.Unlock()
		return nil, types.NewError(types.CodeHandoffFailed, req.FromDeviceID, "handoff %s already in progress", req.ID)
	}
	s.active[req.ID] = &activeHandoff{req: req, cancel: cancel}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, req.ID)
		s.mu.Unlock()
	}()

	r := &run{
		req: &req,
		result: &types.HandoffResult{
			RequestID:    req.ID,
			UserID:       req.UserID,
			FromDeviceID: req.FromDeviceID,
			ToDeviceID:   req.ToDeviceID,
		},
	}
	s.emit(events.HandoffInitiated, &req, &req)
	log := s.log.With().Str("handoff_id", req.ID).Str("user_id", req.UserID).Logger()

	r.enter(types.StageValidate)
	if err := validate(&req); err != nil {
		return s.fail(r, start, err)
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, req.Timeout)
	defer cancelTimeout()

	r.enter(types.StagePrepareSource)
	if err := s.step(ctx, func() error { return s.hooks.PrepareSource(ctx, &req) }); err != nil {
		return s.fail(r, start, s.cause(ctx, err))
	}
	s.emit(events.HandoffSourcePrepared, &req, &req)

	r.enter(types.StagePrepareTarget)
	if err := s.step(ctx, func() error { return s.hooks.PrepareTarget(ctx, &req) }); err != nil {
		return s.fail(r, start, s.cause(ctx, err))
	}
	s.emit(events.HandoffTargetPrepared, &req, &req)

	r.enter(types.StageTransferState)
	transferErr := s.transfer(ctx, r)
	if transferErr != nil && ctx.Err() != nil {
		return s.fail(r, start, s.cause(ctx, transferErr))
	}

	r.enter(types.StageFinalize)
	if err := s.step(ctx, func() error { return s.hooks.Finalize(ctx, &req) }); err != nil {
		if ctx.Err() != nil {
			return s.fail(r, start, s.cause(ctx, err))
		}
		log.Warn().Err(err).Msg("Handoff finalize failed")
	} else {
		s.emit(events.HandoffFinalized, &req, &req)
	}

	res := r.result
	res.HandoffTime = time.Since(start)
	res.CompletedAt = time.Now()

	if transferErr != nil {
		res.Status = types.HandoffStatusPartial
		res.Error = &types.HandoffError{
			Code:        types.CodeStateTransferFailed,
			Message:     transferErr.Error(),
			Stage:       types.StageTransferState,
			Recoverable: recoverable(transferErr),
		}
		r.enter(types.StageFailed)
		s.history.Add(req.UserID, req.ID, *res)
		s.emit(events.HandoffFailed, &req, res)
		log.Warn().Err(transferErr).
			Strs("transferred", transferKinds(res.TransferredParts)).
			Msg("Handoff completed with partial state transfer")
		return res, nil
	}

	res.Success = true
	res.Status = types.HandoffStatusComplete
	res.StateTransferred = true
	r.enter(types.StageComplete)
	s.history.Add(req.UserID, req.ID, *res)
	s.emit(events.HandoffCompleted, &req, res)
	log.Info().
		Str("from", req.FromDeviceID).
		Str("to", req.ToDeviceID).
		Dur("elapsed", res.HandoffTime).
		Msg("Handoff completed")
	return res, nil
}

// Reject records req as FAILED at stage without running it, for handoffs
// refused before execution such as an incompatible target. The result is
// kept in history and announced like any other failure.
func (s *Service) Reject(req types.HandoffRequest, stage types.HandoffStage, err error) *types.HandoffResult {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now()
	res := &types.HandoffResult{
		RequestID:    req.ID,
		UserID:       req.UserID,
		FromDeviceID: req.FromDeviceID,
		ToDeviceID:   req.ToDeviceID,
		Status:       types.HandoffStatusFailed,
		Stages:       []types.HandoffStage{stage, types.StageFailed},
		CompletedAt:  now,
		Error: &types.HandoffError{
			Code:        classify(err),
			Message:     err.Error(),
			Stage:       stage,
			Recoverable: recoverable(err),
		},
	}
	s.history.Add(req.UserID, req.ID, *res)
	s.emit(events.HandoffFailed, &req, res)
	s.log.Warn().Err(err).
		Str("handoff_id", req.ID).
		Str("stage", string(stage)).
		Str("code", string(res.Error.Code)).
		Msg("Handoff rejected")
	return res
}

func validate(req *types.HandoffRequest) error {
	switch {
	case req.Timeout <= 0:
		return errors.New("invalid timeout value")
	case req.FromDeviceID == req.ToDeviceID:
		return errors.New("source and target devices cannot be the same")
	case !types.ValidHandoffType(req.HandoffType):
		return fmt.Errorf("invalid handoff type %q", req.HandoffType)
	}
	return nil
}

// step runs fn unless ctx is already done.
func (s *Service) step(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// cause attaches the cancellation cause of ctx to err.
func (s *Service) cause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	c := context.Cause(ctx)
	if c == nil || errors.Is(err, c) {
		return err
	}
	return fmt.Errorf("%w: %w", c, err)
}

func (s *Service) transfer(ctx context.Context, r *run) error {
	req := r.req
	var kinds []types.TransferKind
	if req.Context.Metadata.PreserveState {
		kinds = append(kinds, types.TransferSession)
	}
	if req.Context.Metadata.TransferFiles {
		kinds = append(kinds, types.TransferFiles)
	}
	if req.Context.ConversationID != "" {
		kinds = append(kinds, types.TransferConversation)
	}
	if req.Context.TaskID != "" {
		kinds = append(kinds, types.TransferTask)
	}
	if len(kinds) == 0 {
		return nil
	}

	tctx := ctx
	if s.cfg.StateTransferTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.cfg.StateTransferTimeout)
		defer cancel()
	}
	for _, kind := range kinds {
		if err := s.step(tctx, func() error { return s.hooks.Transfer(tctx, req, kind) }); err != nil {
			return fmt.Errorf("%s transfer: %w", kind, err)
		}
		r.result.TransferredParts = append(r.result.TransferredParts, kind)
		s.emit(events.HandoffStateTransferred, req, kind)
	}
	return nil
}

func recoverable(err error) bool {
	return types.IsRecoverable(err) || errors.Is(err, context.DeadlineExceeded)
}

func classify(err error) types.ErrorCode {
	switch {
	case errors.Is(err, ErrCancelled):
		return types.CodeHandoffCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.CodeNetworkTimeout
	}
	if code := types.CodeOf(err); code != types.CodeUnknown {
		return code
	}
	for _, code := range []types.ErrorCode{types.CodeNetworkTimeout, types.CodeDeviceBusy, types.CodeTemporaryUnavailable, types.CodeResourceExhausted} {
		if strings.Contains(err.Error(), string(code)) {
			return code
		}
	}
	return types.CodeHandoffFailed
}

func (s *Service) fail(r *run, start time.Time, err error) (*types.HandoffResult, error) {
	req := r.req
	res := r.result
	failedAt := r.stage
	res.HandoffTime = time.Since(start)
	res.CompletedAt = time.Now()
	res.Status = types.HandoffStatusFailed
	res.StateTransferred = false
	res.Error = &types.HandoffError{
		Code:        classify(err),
		Message:     err.Error(),
		Stage:       failedAt,
		Recoverable: recoverable(err),
	}
	r.enter(types.StageFailed)

	s.history.Add(req.UserID, req.ID, *res)
	s.emit(events.HandoffFailed, req, res)
	s.log.Error().Err(err).
		Str("handoff_id", req.ID).
		Str("stage", string(failedAt)).
		Str("code", string(res.Error.Code)).
		Msg("Handoff failed")
	return res, types.WrapError(types.CodeHandoffFailed, req.FromDeviceID, err, "handoff %s failed at %s", req.ID, failedAt)
}

func (s *Service) emit(t events.Type, req *types.HandoffRequest, payload any) {
	s.bus.Emit(events.Event{Type: t, UserID: req.UserID, DeviceID: req.FromDeviceID, Payload: payload})
}

func transferKinds(kinds []types.TransferKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// RetryCount returns how many retries precede the request with id.
func RetryCount(id string) int {
	return strings.Count(id, "-retry-")
}

// Retry re-executes original under a derived id. It never resumes a
// partially completed handoff.
func (s *Service) Retry(ctx context.Context, original types.HandoffRequest) (*types.HandoffResult, error) {
	if RetryCount(original.ID)+1 > s.cfg.MaxRetries {
		return nil, types.WrapError(types.CodeHandoffFailed, original.FromDeviceID, ErrRetryLimit,
			"handoff %s retried %d times", original.ID, RetryCount(original.ID))
	}
	retry := original
	retry.ID = fmt.Sprintf("%s-retry-%d", original.ID, time.Now().UnixNano())
	retry.CreatedAt = time.Now()
	return s.Execute(ctx, retry)
}

// Cancel stops an active handoff before its next stage. Work already done
// is not rolled back.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	a, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()
	if !ok {
		return types.NewError(types.CodeHandoffFailed, "", "handoff %s not found", id)
	}
	a.cancel(ErrCancelled)
	s.emit(events.HandoffCancelled, &a.req, &a.req)
	s.log.Info().Str("handoff_id", id).Msg("Handoff cancelled")
	return nil
}

// Active returns the handoffs currently executing.
func (s *Service) Active() []types.HandoffRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.HandoffRequest, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a.req)
	}
	return out
}

// History returns the user's recent results, oldest first.
func (s *Service) History(userID string) []types.HandoffResult {
	return s.history.List(userID)
}

// Stats summarises the user's history.
func (s *Service) Stats(userID string) types.HandoffStats {
	hist := s.history.List(userID)
	var st types.HandoffStats
	if len(hist) == 0 {
		return st
	}
	var total time.Duration
	for _, r := range hist {
		if r.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		total += r.HandoffTime
	}
	st.Total = len(hist)
	st.AverageTime = total / time.Duration(len(hist))
	st.SuccessRate = float64(st.Successful) / float64(st.Total)
	return st
}
