package status

import (
	"testing"

	"github.com/matheus3301/inbox/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Connecting},
		{Connecting, Open},
		{Connecting, Closed},
		{Connecting, Terminal},
		{Open, Closing},
		{Open, Closed},
		{Open, Terminal},
		{Closing, Closed},
		{Closed, ReconnectScheduled},
		{Closed, Connecting},
		{ReconnectScheduled, Connecting},
		{ReconnectScheduled, Closed},
		{Terminal, Idle},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Open); err == nil {
		t.Error("Transition(IDLE -> OPEN) should fail")
	}
	if m.Current() != Idle {
		t.Errorf("state = %s, want IDLE (should not have changed)", m.Current())
	}
}

// TestTerminalNeverReconnects verifies that TERMINAL cannot schedule a
// reconnect or connect again without an explicit reset to IDLE.
func TestTerminalNeverReconnects(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Terminal)

	for _, to := range []State{ReconnectScheduled, Connecting, Open} {
		if err := m.Transition(to); err == nil {
			t.Errorf("Transition(TERMINAL -> %s) should fail", to)
		}
	}
	if err := m.Path(Idle, Connecting); err != nil {
		t.Fatalf("reset path: %v", err)
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("realtime.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindRealtimeState {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindRealtimeState)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Connecting {
		t.Errorf("change = %v -> %v, want IDLE -> CONNECTING", change.From, change.To)
	}
}

// TestReconnectCycle walks the ordinary drop and recover loop:
// OPEN → CLOSED → RECONNECT_SCHEDULED → CONNECTING → OPEN
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Open)

	if err := m.Path(Closed, ReconnectScheduled, Connecting, Open); err != nil {
		t.Fatalf("%v (current: %s)", err, m.Current())
	}
	if m.Current() != Open {
		t.Errorf("final state = %s, want OPEN", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:               {},
		Connecting:         {Connecting},
		Open:               {Connecting, Open},
		Closing:            {Connecting, Open, Closing},
		Closed:             {Connecting, Closed},
		ReconnectScheduled: {Connecting, Closed, ReconnectScheduled},
		Terminal:           {Connecting, Terminal},
	}
	if err := m.Path(paths[target]...); err != nil {
		t.Fatalf("walkTo(%s): %v", target, err)
	}
}
