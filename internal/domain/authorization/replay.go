package authorization

import "fmt"

// Replay walks the transition entries of an audit trail from START and returns
// the state sequence. It fails on the first entry the state machine would not
// have allowed, or when sequence numbers go backwards.
func Replay(entries []*AuditEntry) ([]State, error) {
	states := []State{StateStart}
	current := StateStart
	lastSeq := 0

	for _, e := range entries {
		if e.Sequence <= lastSeq {
			return states, fmt.Errorf("entry %s: sequence %d after %d", e.ID, e.Sequence, lastSeq)
		}
		lastSeq = e.Sequence

		if e.Kind != EntryTransition {
			continue
		}
		if e.From != current {
			return states, fmt.Errorf("entry %d: recorded from %s but replay is at %s: %w",
				e.Sequence, e.From, current, &TransitionError{From: current, To: e.To})
		}
		if !CanTransition(current, e.To) {
			return states, fmt.Errorf("entry %d: %w", e.Sequence, &TransitionError{From: current, To: e.To})
		}
		current = e.To
		states = append(states, current)
	}
	return states, nil
}

// VerifyComplete replays a closed trail and checks it ends in TERMINAL after
// exactly one outcome state.
func VerifyComplete(entries []*AuditEntry) (State, error) {
	states, err := Replay(entries)
	if err != nil {
		return "", err
	}
	if len(states) < 3 || states[len(states)-1] != StateTerminal {
		return "", fmt.Errorf("trail does not end in %s", StateTerminal)
	}
	outcome := states[len(states)-2]
	if !outcome.IsOutcome() {
		return "", fmt.Errorf("state before %s is %s, not an outcome", StateTerminal, outcome)
	}
	return outcome, nil
}
