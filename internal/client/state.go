package client

import "sync"

type State string

const (
	Disconnected   State = "DISCONNECTED"
	Pairing        State = "PAIRING"
	Connected      State = "CONNECTED"
	Reconnecting   State = "RECONNECTING"
	RequiresRepair State = "REQUIRES_REPAIR"
)

const DefaultFailureThreshold = 3

// StateMachine tracks the phone's view of its link to a host.
// REQUIRES_REPAIR only leaves via PairStart or Unpair.
type StateMachine struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	onChange  func(from, to State)
}

// NewStateMachine starts DISCONNECTED. threshold <= 0 selects the default.
func NewStateMachine(threshold int, onChange func(from, to State)) *StateMachine {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &StateMachine{state: Disconnected, threshold: threshold, onChange: onChange}
}

func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *StateMachine) PairStart() {
	m.transition(func() State { return Pairing })
}

func (m *StateMachine) PairSuccess() {
	m.transition(func() State {
		m.failures = 0
		return Connected
	})
}

func (m *StateMachine) Unpair() {
	m.transition(func() State {
		m.failures = 0
		return Disconnected
	})
}

// HeartbeatTimeout is ignored unless a link was established.
func (m *StateMachine) HeartbeatTimeout() {
	m.transition(func() State {
		if m.linkedLocked() {
			return Reconnecting
		}
		return m.state
	})
}

// ReconnectSuccess and ReconnectFailure only apply to an established link.
func (m *StateMachine) ReconnectSuccess() {
	m.transition(func() State {
		if !m.linkedLocked() {
			return m.state
		}
		m.failures = 0
		return Connected
	})
}

func (m *StateMachine) ReconnectFailure() {
	m.transition(func() State {
		if !m.linkedLocked() {
			return m.state
		}
		m.failures++
		if m.failures >= m.threshold {
			return RequiresRepair
		}
		return Reconnecting
	})
}

func (m *StateMachine) linkedLocked() bool {
	return m.state == Connected || m.state == Reconnecting
}

func (m *StateMachine) transition(next func() State) {
	m.mu.Lock()
	from := m.state
	m.state = next()
	to := m.state
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil && from != to {
		cb(from, to)
	}
}
