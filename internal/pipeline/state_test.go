package pipeline

import "testing"

func TestRunTransitions(t *testing.T) {
	r := newRun()
	for _, s := range []State{
		StateAdmitted, StateRetrieving, StateGenerating, StateRecording, StateCompleted,
	} {
		r.transition(s)
		if r.state != s {
			t.Fatalf("state = %s, want %s", r.state, s)
		}
	}
}

func TestRunRejectionIsTerminal(t *testing.T) {
	r := newRun()
	r.transition(StateRejected)

	defer func() {
		if recover() == nil {
			t.Error("transition out of rejected should panic")
		}
	}()
	r.transition(StateAdmitted)
}

func TestRunFailureEdges(t *testing.T) {
	for _, from := range []State{StateAdmitted, StateRetrieving, StateGenerating, StateRecording} {
		r := &run{state: from}
		r.transition(StateFailed)
		if r.state != StateFailed {
			t.Errorf("failure edge from %s did not land in failed", from)
		}
	}
}

func TestRunIllegalTransitionPanics(t *testing.T) {
	r := newRun()
	defer func() {
		if recover() == nil {
			t.Error("pending -> generating should panic")
		}
	}()
	r.transition(StateGenerating)
}
