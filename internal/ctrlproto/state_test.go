package ctrlproto

import "testing"

func TestStateMachineNeedInitRejectsCommand(t *testing.T) {
	m := NewStateMachine(false)
	if m.AcceptsDataCommands() {
		t.Fatal("NEED_INIT should reject data commands")
	}
	if _, err := m.Transition(EventCommand); err == nil {
		t.Fatal("expected error transitioning on EventCommand from NEED_INIT")
	}
}

func TestStateMachineInitToReadyToProcessingToReady(t *testing.T) {
	m := NewStateMachine(false)
	if st, err := m.Transition(EventInit); err != nil || st != StateReady {
		t.Fatalf("Init: st=%v err=%v", st, err)
	}
	if !m.AcceptsDataCommands() {
		t.Fatal("READY should accept data commands")
	}
	if st, err := m.Transition(EventCommand); err != nil || st != StateProcessing {
		t.Fatalf("Command: st=%v err=%v", st, err)
	}
	if st, err := m.Transition(EventReply); err != nil || st != StateReady {
		t.Fatalf("Reply: st=%v err=%v", st, err)
	}
}

func TestStateMachineStopThenInitReturnsToReady(t *testing.T) {
	m := NewStateMachine(true) // not-need-init override
	if m.State() != StateReady {
		t.Fatalf("state = %v, want READY", m.State())
	}
	if st, err := m.Transition(EventStop); err != nil || st != StateStopped {
		t.Fatalf("Stop: st=%v err=%v", st, err)
	}
	if st, err := m.Transition(EventInit); err != nil || st != StateReady {
		t.Fatalf("Init after Stop: st=%v err=%v", st, err)
	}
}

func TestStateMachineShutdownFromAnyState(t *testing.T) {
	for _, start := range []RunState{StateNeedInit, StateReady, StateProcessing, StateStopped} {
		m := &StateMachine{}
		// reach start via direct field access through the package (test lives in the package).
		switch start {
		case StateNeedInit:
			m = NewStateMachine(false)
		case StateReady:
			m = NewStateMachine(true)
		case StateProcessing:
			m = NewStateMachine(true)
			if _, err := m.Transition(EventCommand); err != nil {
				t.Fatalf("setup Command: %v", err)
			}
		case StateStopped:
			m = NewStateMachine(true)
			if _, err := m.Transition(EventStop); err != nil {
				t.Fatalf("setup Stop: %v", err)
			}
		}
		st, err := m.Transition(EventShutdown)
		if err != nil || st != StateTerminating {
			t.Fatalf("from %v: Shutdown st=%v err=%v", start, st, err)
		}
	}
}
