package syncstatus

import (
	"testing"
	"time"
)

func TestSetTransitionsImmediatelyAfterMinDisplay(t *testing.T) {
	o := New()
	o.Set(StateSyncing)
	time.Sleep(minDisplay + 50*time.Millisecond)
	o.Set(StateIdle)
	if o.Current() != StateIdle {
		t.Fatalf("expected immediate transition once min display elapsed, got %v", o.Current())
	}
}

func TestRapidTransitionsCollapseToLastRequested(t *testing.T) {
	o := New()
	o.Set(StateSyncing)

	o.Set(StateIdle)
	o.Set(StateSyncing)
	o.Set(StateError)

	if o.Current() != StateSyncing {
		t.Fatalf("expected state to still be showing the debounced-from state before window elapses, got %v", o.Current())
	}

	time.Sleep(minDisplay + 100*time.Millisecond)
	if o.Current() != StateError {
		t.Fatalf("expected final requested state to win after debounce window, got %v", o.Current())
	}
}

func TestSubscribeReceivesDisplayedStates(t *testing.T) {
	o := New()
	ch := o.Subscribe()

	o.Set(StateSyncing)
	time.Sleep(minDisplay + 50*time.Millisecond)
	o.Set(StateIdle)

	seen := map[State]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case s := <-ch:
			seen[s] = true
		case <-timeout:
			t.Fatalf("timed out waiting for states, saw %v", seen)
		}
	}
	if !seen[StateSyncing] || !seen[StateIdle] {
		t.Fatalf("expected to observe both states, got %v", seen)
	}
}
