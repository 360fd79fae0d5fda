package status_test

import (
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/status"
)

func TestValid(t *testing.T) {
	for _, s := range []string{status.Pending, status.Sent, status.Delivered, status.Read, status.Failed} {
		if !status.Valid(s) {
			t.Errorf("Valid(%q) = false", s)
		}
	}
	for _, s := range []string{"", "unknown", "PENDING"} {
		if status.Valid(s) {
			t.Errorf("Valid(%q) = true", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{status.Pending, status.Sent, true},
		{status.Pending, status.Delivered, true},
		{status.Pending, status.Read, true},
		{status.Sent, status.Delivered, true},
		{status.Delivered, status.Read, true},

		// The pipeline never moves backwards.
		{status.Sent, status.Pending, false},
		{status.Delivered, status.Sent, false},
		{status.Read, status.Delivered, false},
		{status.Read, status.Pending, false},

		// Any pipeline status may fail.
		{status.Pending, status.Failed, true},
		{status.Sent, status.Failed, true},
		{status.Read, status.Failed, true},

		// Failed is terminal except for an explicit revive.
		{status.Failed, status.Pending, true},
		{status.Failed, status.Sent, false},
		{status.Failed, status.Read, false},

		{status.Sent, status.Sent, false},
		{status.Failed, status.Failed, false},
		{"bogus", status.Sent, false},
		{status.Sent, "bogus", false},
	}
	for _, c := range cases {
		if got := status.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestConnMachineTransitions(t *testing.T) {
	m := status.NewConnMachine(nil)
	if m.Current() != status.Disconnected {
		t.Fatalf("initial state = %q", m.Current())
	}

	if err := m.Transition(status.Connected); err == nil {
		t.Error("disconnected -> connected allowed without connecting")
	}
	if err := m.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(status.Connected); err != nil {
		t.Fatal(err)
	}
	if m.Current() != status.Connected {
		t.Errorf("state = %q, want connected", m.Current())
	}
	if err := m.Transition(status.Disconnected); err != nil {
		t.Fatal(err)
	}
}

func TestConnMachinePublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindConnChanged, 8)
	defer unsub()

	m := status.NewConnMachine(b)
	if err := m.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(status.ConnChange)
		if !ok {
			t.Fatalf("payload = %T", evt.Payload)
		}
		if change.From != status.Disconnected || change.To != status.Connecting {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no conn.changed event")
	}
}
