package activation

import "testing"

func TestCanTransitionGraph(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateReserved, StateActive},
		{StateReserved, StateFailed},
		{StateActive, StateReceived},
		{StateActive, StateExpired},
		{StateActive, StateCancelled},
		{StateActive, StateTimeout},
		{StateReceived, StateCompleted},
		{StateReceived, StateRefunded},
		{StateCancelled, StateRefunded},
		{StateExpired, StateRefunded},
		{StateTimeout, StateRefunded},
		{StateFailed, StateRefunded},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to State }{
		{StateReserved, StateReceived},
		{StateReserved, StateCompleted},
		{StateActive, StateCompleted},
		{StateActive, StateReserved},
		{StateReceived, StateActive},
		{StateCompleted, StateRefunded},
		{StateCompleted, StateActive},
		{StateRefunded, StateActive},
		{StateRefunded, StateRefunded},
		{StateExpired, StateActive},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesNeverRegress(t *testing.T) {
	terminals := []State{StateCompleted, StateRefunded}
	all := []State{
		StateReserved, StateActive, StateReceived, StateCompleted,
		StateCancelled, StateExpired, StateTimeout, StateFailed, StateRefunded,
	}
	for _, term := range terminals {
		if !IsTerminal(term) {
			t.Fatalf("expected %s to be terminal", term)
		}
		for _, to := range all {
			if CanTransition(term, to) {
				t.Fatalf("terminal %s must not transition to %s", term, to)
			}
		}
	}
}

func TestIsRefundable(t *testing.T) {
	refundable := []State{StateFailed, StateCancelled, StateExpired, StateTimeout}
	for _, s := range refundable {
		if !IsRefundable(s) {
			t.Fatalf("expected %s to be refundable", s)
		}
	}
	nonRefundable := []State{StateReserved, StateActive, StateReceived, StateCompleted, StateRefunded}
	for _, s := range nonRefundable {
		if IsRefundable(s) {
			t.Fatalf("expected %s to be non-refundable", s)
		}
	}
}

func TestStateValid(t *testing.T) {
	if State("BOGUS").Valid() {
		t.Fatal("unknown state must not validate")
	}
	if !StateReserved.Valid() {
		t.Fatal("RESERVED must validate")
	}
}
