// Package discovery finds candidate devices for a user and ranks them.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/events"
	"github.com/SallyKAN/device-relay/internal/types"
)

// ErrNotRunning is returned when the service has not been started.
var ErrNotRunning = errors.New("discovery service not running")

// CandidateSource enumerates the devices a request may discover.
type CandidateSource interface {
	Candidates(ctx context.Context, userID, requestingDeviceID string) ([]types.DiscoveredDevice, error)
}

type cacheEntry struct {
	devices []types.DiscoveredDevice
	stored  time.Time
}

// Service runs discovery requests and caches their results.
type Service struct {
	cfg    config.DiscoveryConfig
	source CandidateSource
	bus    *events.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cache   map[string]cacheEntry
	active  map[string]types.DiscoveryRequest
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

// New creates a stopped discovery service.
func New(cfg config.DiscoveryConfig, source CandidateSource, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		source: source,
		log:    zerolog.Nop(),
		cache:  make(map[string]cacheEntry),
		active: make(map[string]types.DiscoveryRequest),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start marks the service running and starts the cache janitor.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	if s.cfg.ScanInterval > 0 {
		go s.janitor(s.stopCh)
	}
}

// Stop halts the janitor and drops cached results.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	clear(s.cache)
	clear(s.active)
}

func (s *Service) janitor(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Service) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.cache {
		if time.Since(e.stored) >= s.cfg.CacheTimeout {
			delete(s.cache, key)
		}
	}
}

func cacheKey(req types.DiscoveryRequest) string {
	filters := req.Filters
	if filters == nil {
		filters = []types.DeviceFilter{}
	}
	data, _ := json.Marshal(filters)
	return fmt.Sprintf("%s-%s-%s-%s", req.UserID, req.RequestingDeviceID, req.DiscoveryType, data)
}

func cloneDevices(in []types.DiscoveredDevice) []types.DiscoveredDevice {
	out := make([]types.DiscoveredDevice, len(in))
	for i, d := range in {
		d.Info.Capabilities = d.Info.Capabilities.Clone()
		d.Capabilities = d.Capabilities.Clone()
		d.Performance = d.Performance.Clone()
		if d.Distance != nil {
			dist := *d.Distance
			d.Distance = &dist
		}
		out[i] = d
	}
	return out
}

func (s *Service) cached(key string) ([]types.DiscoveredDevice, bool) {
	e, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.stored) >= s.cfg.CacheTimeout {
		delete(s.cache, key)
		return nil, false
	}
	return cloneDevices(e.devices), true
}

// Discover runs req, serving a cached result when an identical request
// completed within the cache timeout.
func (s *Service) Discover(ctx context.Context, req types.DiscoveryRequest) (*types.DiscoveryResult, error) {
	start := time.Now()
	requestID := "discovery-" + uuid.NewString()
	key := cacheKey(req)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, types.WrapError(types.CodeDiscoveryError, req.RequestingDeviceID, ErrNotRunning, "discover")
	}
	if devices, ok := s.cached(key); ok {
		s.mu.Unlock()
		return &types.DiscoveryResult{
			RequestID:         requestID,
			DiscoveredDevices: devices,
			TotalFound:        len(devices),
			Cached:            true,
			CompletedAt:       time.Now(),
		}, nil
	}
	s.active[requestID] = req
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, requestID)
		s.mu.Unlock()
	}()
	s.bus.Emit(events.Event{Type: events.DiscoveryStarted, UserID: req.UserID, DeviceID: req.RequestingDeviceID, Payload: req})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	devices, err := s.scan(ctx, req)
	if err != nil {
		failed := &types.DiscoveryResult{
			RequestID:         requestID,
			DiscoveredDevices: []types.DiscoveredDevice{},
			DiscoveryTime:     time.Since(start),
			CompletedAt:       time.Now(),
			Errors: []types.DiscoveryError{{
				DeviceID:  req.RequestingDeviceID,
				Error:     err.Error(),
				Code:      "DISCOVERY_FAILED",
				Timestamp: time.Now(),
			}},
		}
		s.bus.Emit(events.Event{Type: events.DiscoveryFailed, UserID: req.UserID, DeviceID: req.RequestingDeviceID, Payload: failed})
		s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Discovery failed")
		return nil, types.WrapError(types.CodeDiscoveryError, req.RequestingDeviceID, err, "discovery failed")
	}

	s.mu.Lock()
	if s.running {
		s.cache[key] = cacheEntry{devices: cloneDevices(devices), stored: time.Now()}
	}
	s.mu.Unlock()

	result := &types.DiscoveryResult{
		RequestID:         requestID,
		DiscoveredDevices: devices,
		TotalFound:        len(devices),
		DiscoveryTime:     time.Since(start),
		CompletedAt:       time.Now(),
	}
	for _, d := range devices {
		s.bus.Emit(events.Event{Type: events.DeviceDiscovered, UserID: req.UserID, DeviceID: d.Info.ID, Payload: d})
	}
	s.bus.Emit(events.Event{Type: events.DiscoveryCompleted, UserID: req.UserID, DeviceID: req.RequestingDeviceID, Payload: result})
	s.log.Debug().
		Str("request_id", requestID).
		Str("type", string(req.DiscoveryType)).
		Int("found", len(devices)).
		Msg("Discovery completed")
	return result, nil
}

func (s *Service) scan(ctx context.Context, req types.DiscoveryRequest) ([]types.DiscoveredDevice, error) {
	devices, err := s.source.Candidates(ctx, req.UserID, req.RequestingDeviceID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices = byStrategy(req.DiscoveryType, devices)
	devices = applyFilters(devices, req.Filters)
	if s.cfg.MaxDevices > 0 && len(devices) > s.cfg.MaxDevices {
		devices = devices[:s.cfg.MaxDevices]
	}
	if devices == nil {
		devices = []types.DiscoveredDevice{}
	}
	return devices, nil
}

// ActiveDiscoveries returns the requests currently being scanned.
func (s *Service) ActiveDiscoveries() []types.DiscoveryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DiscoveryRequest, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	return out
}

// ClearCache drops every cached result.
func (s *Service) ClearCache() {
	s.mu.Lock()
	clear(s.cache)
	s.mu.Unlock()
}
