package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
)

// ConnState represents a transport connection state.
type ConnState string

const (
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
)

// validTransitions defines allowed connection state transitions.
var validTransitions = map[ConnState][]ConnState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Connecting, Disconnected},
}

// ConnMachine tracks and enforces transport connection state transitions.
type ConnMachine struct {
	mu      sync.RWMutex
	current ConnState
	bus     *bus.Bus
}

// NewConnMachine creates a machine starting in Disconnected state.
func NewConnMachine(b *bus.Bus) *ConnMachine {
	return &ConnMachine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *ConnMachine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *ConnMachine) Transition(to ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnChanged,
			Timestamp: time.Now(),
			Payload: ConnChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// ConnChange is the payload for conn.changed events.
type ConnChange struct {
	From ConnState
	To   ConnState
}
