// Package netmon tracks the device's connectivity state and publishes
// transition events on the bus. The state is fed externally, typically by
// the transport's connect/disconnect callbacks.
package netmon

import (
	"sync"
	"time"

	"github.com/matheus3301/offsync/internal/bus"
)

// Transition is the payload for net.online / net.offline events.
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor holds the current online state.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	bus    *bus.Bus
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(b *bus.Bus, online bool) *Monitor {
	return &Monitor{bus: b, online: online}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the new state and publishes a transition event when the
// state actually changed. Repeated calls with the same value are no-ops.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	kind := bus.KindNetOffline
	if online {
		kind = bus.KindNetOnline
	}
	now := time.Now()
	m.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: now,
		Payload:   Transition{Online: online, At: now},
	})
}
