package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
)

// State represents a push connection state.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Open       State = "OPEN"
	Closed     State = "CLOSED"
)

// validTransitions defines allowed state transitions. Idle is reachable from
// everywhere because Disconnect may interrupt any phase of the loop.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Open, Closed, Idle},
	Open:       {Closed, Idle},
	Closed:     {Connecting, Idle},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	target  chat.ID
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Target returns the conversation the connection is for.
func (m *Machine) Target() chat.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target
}

// SetTarget records which conversation subsequent transitions refer to.
func (m *Machine) SetTarget(id chat.ID) {
	m.mu.Lock()
	m.target = id
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.ConnStateChanged,
		Timestamp: time.Now(),
		Payload: StatusChange{
			From:           from,
			To:             to,
			ConversationID: m.target,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From           State
	To             State
	ConversationID chat.ID
}
