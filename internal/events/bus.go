// Package events delivers relay lifecycle notifications to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type names a lifecycle notification.
type Type string

const (
	DeviceRegistered    Type = "device:registered"
	DeviceUnregistered  Type = "device:unregistered"
	DeviceDiscovered    Type = "device:discovered"
	DeviceLost          Type = "device:lost"
	DeviceRecovered     Type = "device:recovered"
	TopologyUpdated     Type = "topology:updated"
	PerformanceUpdated  Type = "performance:updated"
	PerformanceDegraded Type = "performance:degraded"

	DiscoveryStarted   Type = "discovery:started"
	DiscoveryCompleted Type = "discovery:completed"
	DiscoveryFailed    Type = "discovery:failed"

	NegotiationStarted   Type = "negotiation:started"
	NegotiationCompleted Type = "negotiation:completed"
	NegotiationFailed    Type = "negotiation:failed"

	HandoffInitiated        Type = "handoff:initiated"
	HandoffSourcePrepared   Type = "handoff:source:prepared"
	HandoffTargetPrepared   Type = "handoff:target:prepared"
	HandoffStateTransferred Type = "handoff:state:transferred"
	HandoffFinalized        Type = "handoff:finalized"
	HandoffCompleted        Type = "handoff:completed"
	HandoffFailed           Type = "handoff:failed"
	HandoffCancelled        Type = "handoff:cancelled"

	MessageRouted Type = "relay:message:routed"
	MessageFailed Type = "relay:message:failed"
)

// Event is a single notification. Payload holds the value relevant to
// Type, for example a *types.HandoffResult or a *types.DeviceTopology.
type Event struct {
	Type      Type
	UserID    string
	DeviceID  string
	Payload   any
	Timestamp time.Time
}

// Bus fans events out to subscribers over buffered channels. A slow
// subscriber loses events rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	log    zerolog.Logger
}

type subscription struct {
	ch     chan Event
	filter map[Type]bool
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		log:  log,
	}
}

// Subscribe returns a channel receiving events of the given types (all
// types when none are given) and a function that cancels the subscription.
func (b *Bus) Subscribe(buffer int, only ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(only) > 0 {
		sub.filter = make(map[Type]bool, len(only))
		for _, t := range only {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Emit publishes an event without blocking. A nil bus is a no-op.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.log.Warn().Str("event", string(e.Type)).Msg("subscriber buffer full, dropping event")
		}
	}
}
