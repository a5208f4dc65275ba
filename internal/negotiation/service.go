// Package negotiation scores whether two devices can coordinate on a given
// set of requirements.
package negotiation

import (
	"context"
	"errors"
	"fmt"
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
const HistoryLimit = 100

// ErrNotRunning is returned when the service has not been started.
var ErrNotRunning = errors.New("capability negotiation service not running")

// CapabilityProvider resolves a device's advertised capabilities.
type CapabilityProvider interface {
	GetCapabilities(ctx context.Context, deviceID string) (types.DeviceCapabilities, error)
}

// QualityAssessor supplies the performance and security scores of a device pair.
type QualityAssessor interface {
	AssessQuality(ctx context.Context, sourceID, targetID string) (performance, security float64, err error)
}

type cachedCaps struct {
	caps    types.DeviceCapabilities
	fetched time.Time
}

// Service runs capability negotiations.
type Service struct {
	cfg     config.CapabilityConfig
	caps    CapabilityProvider
	quality QualityAssessor
	bus     *events.Bus
	log     zerolog.Logger
	archive history.Archive
	history *history.Store[types.NegotiationResult]

	running atomic.Bool

	mu     sync.Mutex
	active map[string]types.CapabilityNegotiation
	cache  map[string]cachedCaps
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

// New creates a stopped negotiation service.
func New(cfg config.CapabilityConfig, caps CapabilityProvider, quality QualityAssessor, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		caps:    caps,
		quality: quality,
		log:     zerolog.Nop(),
		active:  make(map[string]types.CapabilityNegotiation),
		cache:   make(map[string]cachedCaps),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.history = history.New[types.NegotiationResult]("negotiation", HistoryLimit, s.archive, s.log)
	return s
}

// Start marks the service running.
func (s *Service) Start() {
	s.running.Store(true)
}

// Stop marks the service stopped and forgets in-flight negotiations.
func (s *Service) Stop() {
	s.running.Store(false)
	s.mu.Lock()
	clear(s.active)
	s.mu.Unlock()
}

// Negotiate scores the two devices of n against its context. On internal
// failure it records and returns an ERROR result together with the error.
func (s *Service) Negotiate(ctx context.Context, n types.CapabilityNegotiation) (*types.NegotiationResult, error) {
	if !s.running.Load() {
		return nil, ErrNotRunning
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	start := time.Now()
	s.mu.Lock()
	s.active[n.ID] = n
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, n.ID)
		s.mu.Unlock()
	}()
	s.bus.Emit(events.Event{Type: events.NegotiationStarted, UserID: n.UserID, DeviceID: n.SourceDeviceID, Payload: n})

	reqs := Requirements(n.Context)
	score, matches, err := s.evaluate(ctx, n.SourceDeviceID, n.TargetDeviceID)
	if err != nil {
		result := &types.NegotiationResult{
			NegotiationID:   n.ID,
			UserID:          n.UserID,
			Status:          types.NegotiationError,
			Requirements:    reqs,
			Matches:         []types.CapabilityMatch{},
			Recommendations: []string{},
			Error:           err.Error(),
			NegotiationTime: time.Since(start),
			CompletedAt:     time.Now(),
		}
		s.history.Add(n.UserID, n.ID, *result)
		s.bus.Emit(events.Event{Type: events.NegotiationFailed, UserID: n.UserID, DeviceID: n.SourceDeviceID, Payload: result})
		s.log.Error().Err(err).Str("negotiation_id", n.ID).Str("user_id", n.UserID).Msg("Capability negotiation failed")
		return result, err
	}

	result := &types.NegotiationResult{
		NegotiationID:   n.ID,
		UserID:          n.UserID,
		Status:          StatusFor(score.Overall),
		Score:           score,
		Requirements:    reqs,
		Matches:         matches,
		Recommendations: Recommendations(score, matches),
		NegotiationTime: time.Since(start),
		CompletedAt:     time.Now(),
	}
	s.history.Add(n.UserID, n.ID, *result)
	s.bus.Emit(events.Event{Type: events.NegotiationCompleted, UserID: n.UserID, DeviceID: n.SourceDeviceID, Payload: result})
	s.log.Debug().
		Str("negotiation_id", n.ID).
		Str("status", string(result.Status)).
		Float64("overall", score.Overall).
		Msg("Capability negotiation completed")
	return result, nil
}

// PreAssess scores two devices without recording a negotiation.
func (s *Service) PreAssess(ctx context.Context, sourceID, targetID string) (types.CapabilityScore, error) {
	score, _, err := s.evaluate(ctx, sourceID, targetID)
	return score, err
}

func (s *Service) evaluate(ctx context.Context, sourceID, targetID string) (types.CapabilityScore, []types.CapabilityMatch, error) {
	src, err := s.capabilities(ctx, sourceID)
	if err != nil {
		return types.CapabilityScore{}, nil, err
	}
	tgt, err := s.capabilities(ctx, targetID)
	if err != nil {
		return types.CapabilityScore{}, nil, err
	}

	var perf, sec float64
	if s.quality != nil {
		if perf, sec, err = s.quality.AssessQuality(ctx, sourceID, targetID); err != nil {
			return types.CapabilityScore{}, nil, fmt.Errorf("assessing quality: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return types.CapabilityScore{}, nil, err
	}
	return Score(src, tgt, perf, sec), Matches(src, tgt), nil
}

func (s *Service) capabilities(ctx context.Context, deviceID string) (types.DeviceCapabilities, error) {
	if s.cfg.CacheTimeout > 0 {
		s.mu.Lock()
		c, ok := s.cache[deviceID]
		s.mu.Unlock()
		if ok && time.Since(c.fetched) < s.cfg.CacheTimeout {
			return c.caps.Clone(), nil
		}
	}

	caps, err := s.caps.GetCapabilities(ctx, deviceID)
	if err != nil {
		return types.DeviceCapabilities{}, fmt.Errorf("fetching capabilities of %s: %w", deviceID, err)
	}
	if s.cfg.CacheTimeout > 0 {
		s.mu.Lock()
		s.cache[deviceID] = cachedCaps{caps: caps.Clone(), fetched: time.Now()}
		s.mu.Unlock()
	}
	return caps, nil
}

// Invalidate drops the cached capabilities of a device.
func (s *Service) Invalidate(deviceID string) {
	s.mu.Lock()
	delete(s.cache, deviceID)
	s.mu.Unlock()
}

// Active returns the negotiations currently in flight.
func (s *Service) Active() []types.CapabilityNegotiation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CapabilityNegotiation, 0, len(s.active))
	for _, n := range s.active {
		out = append(out, n)
	}
	return out
}

// History returns the user's recent results, oldest first.
func (s *Service) History(userID string) []types.NegotiationResult {
	return s.history.List(userID)
}

// Stats summarises the user's history.
func (s *Service) Stats(userID string) types.NegotiationStats {
	hist := s.history.List(userID)
	var st types.NegotiationStats
	if len(hist) == 0 {
		return st
	}
	var totalScore float64
	var totalTime time.Duration
	for _, r := range hist {
		switch r.Status {
		case types.NegotiationSuccess:
			st.SuccessCount++
		case types.NegotiationFailed:
			st.FailCount++
		}
		totalScore += r.Score.Overall
		totalTime += r.NegotiationTime
	}
	st.Count = len(hist)
	st.AvgScore = totalScore / float64(len(hist))
	st.AvgTime = totalTime / time.Duration(len(hist))
	return st
}
