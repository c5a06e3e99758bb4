package pipeline

import "fmt"

// State is the phase of one query run. Transitions are validated; an illegal
// transition is a programming error and panics.
type State string

const (
	StatePending    State = "pending"
	StateAdmitted   State = "admitted"
	StateRetrieving State = "retrieving"
	StateGenerating State = "generating"
	StateRecording  State = "recording"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
)

var transitions = map[State][]State{
	StatePending:    {StateAdmitted, StateRejected},
	StateAdmitted:   {StateRetrieving, StateFailed},
	StateRetrieving: {StateGenerating, StateFailed},
	StateGenerating: {StateRecording, StateFailed},
	StateRecording:  {StateCompleted, StateFailed},
}

// run tracks the state of one query through the pipeline.
type run struct {
	state State
}

func newRun() *run { return &run{state: StatePending} }

func (r *run) transition(to State) {
	for _, allowed := range transitions[r.state] {
		if allowed == to {
			r.state = to
			return
		}
	}
	panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", r.state, to))
}
