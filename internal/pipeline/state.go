package pipeline

// State of one pipeline run.
type State string

const (
	StateReceived        State = "received"
	StateMatched         State = "matched"
	StateUnmatched       State = "unmatched"
	StateFallbackPending State = "fallback_pending"
	StateClassified      State = "classified"
	StateEnhancing       State = "enhancing"
	StateCommitting      State = "committing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:        {StateMatched, StateUnmatched, StateFailed},
	StateMatched:         {StateEnhancing, StateCommitting, StateFailed},
	StateUnmatched:       {StateFallbackPending},
	StateFallbackPending: {StateClassified, StateFailed},
	StateClassified:      {StateEnhancing, StateCommitting},
	StateEnhancing:       {StateCommitting},
	StateCommitting:      {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
