package ctrlproto

import "github.com/kheubaum/swtpm/internal/swtpmerr"

// RunState is the serving state machine of spec.md §4.9.
type RunState int

const (
	StateNeedInit RunState = iota
	StateReady
	StateProcessing
	StateStopped
	StateTerminating
)

func (s RunState) String() string {
	switch s {
	case StateNeedInit:
		return "NEED_INIT"
	case StateReady:
		return "READY"
	case StateProcessing:
		return "PROCESSING"
	case StateStopped:
		return "STOPPED"
	case StateTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}

// Event drives a RunState transition.
type Event int

const (
	EventInit Event = iota
	EventCommand
	EventReply
	EventStop
	EventShutdown
)

// StateMachine holds the current RunState and applies the transition
// table of spec.md §4.9 one switch at a time.
type StateMachine struct {
	state RunState
}

// NewStateMachine returns a machine in NEED_INIT, or in READY if
// notNeedInit overrides the startup state (Policy.NotNeedInit, which
// cmd/swtpm sets from the not-need-init startup flag; the flags body of
// an INIT command does not affect it).
func NewStateMachine(notNeedInit bool) *StateMachine {
	if notNeedInit {
		return &StateMachine{state: StateReady}
	}
	return &StateMachine{state: StateNeedInit}
}

// State returns the current state.
func (m *StateMachine) State() RunState {
	return m.state
}

// Transition applies event to the current state, returning the new state
// or a BadParameter error if the transition is not in the table.
func (m *StateMachine) Transition(event Event) (RunState, error) {
	if event == EventShutdown {
		m.state = StateTerminating
		return m.state, nil
	}

	switch m.state {
	case StateNeedInit:
		if event == EventInit {
			m.state = StateReady
			return m.state, nil
		}
	case StateReady:
		switch event {
		case EventCommand:
			m.state = StateProcessing
			return m.state, nil
		case EventStop:
			m.state = StateStopped
			return m.state, nil
		}
	case StateProcessing:
		switch event {
		case EventReply:
			m.state = StateReady
			return m.state, nil
		case EventStop:
			m.state = StateStopped
			return m.state, nil
		}
	case StateStopped:
		if event == EventInit {
			m.state = StateReady
			return m.state, nil
		}
	}

	return m.state, swtpmerr.New("StateMachine.Transition", swtpmerr.BadParameter)
}

// AcceptsDataCommands reports whether the current state allows
// data-channel (TPM) commands; only NEED_INIT rejects them, per spec.md
// §4.9.
func (m *StateMachine) AcceptsDataCommands() bool {
	return m.state != StateNeedInit
}
