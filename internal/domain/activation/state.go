package activation

// State is the activation lifecycle state.
type State string

const (
	StateReserved  State = "RESERVED"
	StateActive    State = "ACTIVE"
	StateReceived  State = "RECEIVED"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
	StateTimeout   State = "TIMEOUT"
	StateFailed    State = "FAILED"
	StateRefunded  State = "REFUNDED"
)

// transitions is the full state graph. Absent entries are terminal.
var transitions = map[State][]State{
	StateReserved:  {StateActive, StateFailed},
	StateActive:    {StateReceived, StateExpired, StateCancelled, StateTimeout},
	StateReceived:  {StateCompleted, StateRefunded},
	StateCancelled: {StateRefunded},
	StateExpired:   {StateRefunded},
	StateTimeout:   {StateRefunded},
	StateFailed:    {StateRefunded},
}

// CanTransition reports whether from → to is an edge of the state graph.
// All state writes must pass this check; terminal states never regress.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRefundable reports whether funds held for an activation in the given
// state are returned in full on reconcile.
func IsRefundable(s State) bool {
	switch s {
	case StateFailed, StateCancelled, StateExpired, StateTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions exist.
func IsTerminal(s State) bool {
	return len(transitions[s]) == 0
}

// IsSettled reports whether the activation needs no further ledger work:
// either funds were captured for good or the refund already happened.
func IsSettled(s State) bool {
	switch s {
	case StateCompleted, StateRefunded, StateReceived:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateReserved, StateActive, StateReceived, StateCompleted,
		StateCancelled, StateExpired, StateTimeout, StateFailed, StateRefunded:
		return true
	}
	return false
}
