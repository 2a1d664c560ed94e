package lifecycle

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyIdentified = errors.New("connection already identified")
	ErrNotIdentified     = errors.New("connection has not identified")
	ErrClosed            = errors.New("connection closed")
)

// State of one connection. The machine is one-shot: a dropped session is
// resumed by a new connection, never by rewinding an existing machine.
type State int

const (
	StateConnecting State = iota
	StateIdentified
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Machine governs the connecting, identified, ready and closed states of
// one connection.
// Transport state lives elsewhere; this value only tracks protocol state.
type Machine struct {
	Now func() time.Time

	mu               sync.Mutex
	state            State
	identifyDeadline time.Time
	closeCode        int
}

// NewMachine starts a machine in the connecting state with a bounded
// window for the identify frame to arrive.
func NewMachine(identifyWindow time.Duration) *Machine {
	m := &Machine{Now: func() time.Time { return time.Now().UTC() }}
	m.identifyDeadline = m.Now().Add(identifyWindow)
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IdentifyExpired reports whether the identify window has elapsed without
// an identify transition.
func (m *Machine) IdentifyExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnecting && m.Now().After(m.identifyDeadline)
}

// Identify moves the machine from connecting to identified. A second
// identify on the same connection is a protocol violation.
func (m *Machine) Identify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting:
		m.state = StateIdentified
		return nil
	case StateIdentified, StateReady:
		return ErrAlreadyIdentified
	default:
		return ErrClosed
	}
}

// Ready moves the machine from identified to ready, only after snapshot
// delivery has completed.
func (m *Machine) Ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdentified:
		m.state = StateReady
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotIdentified
	}
}

// Close moves to closed from any state, recording the close code delivered
// to the client. The first close wins; later calls are no-ops.
func (m *Machine) Close(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.state = StateClosed
	m.closeCode = code
}

// CloseCode returns the recorded close code, or zero while the connection
// is still open.
func (m *Machine) CloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}
