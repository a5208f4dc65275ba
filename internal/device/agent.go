package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SallyKAN/device-relay/internal/config"
	"github.com/SallyKAN/device-relay/internal/transport"
	"github.com/SallyKAN/device-relay/internal/types"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
)

var errNoSocket = errors.New("device socket not connected")

// Agent registers a device with the coordinator, keeps its message socket
// open and reports performance samples.
type Agent struct {
	cfg      config.AgentConfig
	client   *Client
	sampler  *Sampler
	caps     *types.DeviceCapabilities
	version  string
	handoffs HandoffReceiver
	inbox    InboxFunc
	log      zerolog.Logger

	deviceID string
	handler  *Handler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithCapabilities advertises caps instead of detecting them.
func WithCapabilities(caps types.DeviceCapabilities) Option {
	return func(a *Agent) { a.caps = &caps }
}

// WithHandoffReceiver sets the receiver for handoff stages.
func WithHandoffReceiver(r HandoffReceiver) Option {
	return func(a *Agent) { a.handoffs = r }
}

// WithInbox sets the receiver for application messages.
func WithInbox(fn InboxFunc) Option {
	return func(a *Agent) { a.inbox = fn }
}

// WithVersion sets the agent version reported at registration.
func WithVersion(v string) Option {
	return func(a *Agent) { a.version = v }
}

// NewAgent creates an agent. token authorizes registration; the agent
// switches to its device token once registered.
func NewAgent(cfg config.AgentConfig, token string, log zerolog.Logger, opts ...Option) *Agent {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 10 * time.Second
	}
	a := &Agent{
		cfg:    cfg,
		client: NewClient(cfg.CoordinatorURL, token),
		log:    log,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	a.sampler = NewSampler(a.client.Ping)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DeviceID returns the registered device ID, empty before Register.
func (a *Agent) DeviceID() string { return a.deviceID }

// Handler returns the message handler, nil before Register.
func (a *Agent) Handler() *Handler { return a.handler }

// Register registers the device and returns the coordinator's response.
func (a *Agent) Register(ctx context.Context) (*types.RegisterResponse, error) {
	platform := a.cfg.Platform
	if platform == "" {
		platform = DetectPlatform()
	}
	caps := a.caps
	if caps == nil {
		detected := DetectCapabilities("")
		caps = &detected
	}
	info := types.DeviceInfo{
		ID:           a.cfg.DeviceID,
		UserID:       a.cfg.UserID,
		Type:         types.DeviceType(a.cfg.DeviceType),
		Platform:     platform,
		Version:      a.version,
		Capabilities: *caps,
	}

	resp, err := a.client.Register(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("registering with coordinator: %w", err)
	}
	a.deviceID = resp.DeviceID
	if resp.Token != "" {
		a.client.SetToken(resp.Token)
	}
	a.handler = NewHandler(a.deviceID, a.handoffs, a.inbox, a.log)
	a.log.Info().Str("device_id", a.deviceID).Str("role", string(resp.Role)).Int("priority", resp.Priority).Msg("Registered with coordinator")
	return resp, nil
}

// Run keeps the device socket connected until ctx is done or Shutdown is
// called, reconnecting with exponential backoff. Register must be called
// first.
func (a *Agent) Run(ctx context.Context) error {
	if a.deviceID == "" {
		return errors.New("agent is not registered")
	}
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("agent is already running")
	}
	defer close(a.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := minBackoff
	for ctx.Err() == nil {
		conn, err := a.client.Dial(ctx, a.deviceID)
		if err != nil {
			a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Connecting to coordinator failed")
		} else {
			backoff = minBackoff
			a.log.Info().Str("device_id", a.deviceID).Msg("Device socket connected")
			err = a.serve(ctx, conn)
			if ctx.Err() != nil {
				break
			}
			a.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Device socket closed")
		}

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return nil
}

// serve reads frames from conn until it fails or ctx is done.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.setConn(conn)
	defer a.setConn(nil)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go a.reportLoop(ctx)

	for {
		var f transport.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if reply := a.handler.HandleFrame(ctx, f); reply != nil {
			if err := a.writeFrame(*reply); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

func (a *Agent) writeFrame(f transport.Frame) error {
	a.connMu.Lock()
	conn := a.conn
	a.connMu.Unlock()
	if conn == nil {
		return errNoSocket
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (a *Agent) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		a.report(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// report sends one sample over the socket, falling back to HTTP.
func (a *Agent) report(ctx context.Context) {
	perf := a.sampler.Sample(ctx)
	if err := a.writeFrame(transport.PerformanceFrame(perf)); err == nil {
		return
	}
	if err := a.client.ReportPerformance(ctx, a.deviceID, perf); err != nil && ctx.Err() == nil {
		a.log.Warn().Err(err).Msg("Performance report failed")
	}
}

// Shutdown stops Run and unregisters the device. Safe to call even if Run
// was never called.
func (a *Agent) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	if a.started.Load() {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	if a.deviceID == "" {
		return
	}
	if err := a.client.Unregister(ctx, a.deviceID); err != nil {
		a.log.Warn().Err(err).Str("device_id", a.deviceID).Msg("Unregister failed")
		return
	}
	a.log.Info().Str("device_id", a.deviceID).Msg("Unregistered from coordinator")
}
