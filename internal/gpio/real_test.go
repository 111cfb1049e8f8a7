//go:build linux

package gpio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warthog618/go-gpiosim"
)

// newSimController backs a RealController with a kernel gpio-sim chip.
// Requires the gpio-sim module and root; skipped otherwise.
func newSimController(t *testing.T, lines int) (*gpiosim.Simpleton, *RealController) {
	t.Helper()
	s, err := gpiosim.NewSimpleton(lines)
	if err != nil {
		t.Skipf("gpio-sim unavailable: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pins := make([]int, lines)
	for i := range pins {
		pins[i] = i
	}
	c, err := NewRealController(s.ChipName(), pins)
	if err != nil {
		t.Fatalf("NewRealController: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return s, c
}

func TestRealControllerOutput(t *testing.T) {
	s, c := newSimController(t, 2)

	if err := c.SetOutput(0, Low); err != nil {
		t.Fatalf("SetOutput low: %v", err)
	}
	if v, err := s.Level(0); err != nil || v != 0 {
		t.Errorf("sim level after low: got %d (%v), want 0", v, err)
	}

	if err := c.SetOutput(0, High); err != nil {
		t.Fatalf("SetOutput high: %v", err)
	}
	if v, err := s.Level(0); err != nil || v != 1 {
		t.Errorf("sim level after high: got %d (%v), want 1", v, err)
	}
}

func TestRealControllerArmFalling(t *testing.T) {
	s, c := newSimController(t, 2)

	s.Pullup(1)
	if err := c.SetInput(1, PullUp); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if lvl, err := c.Read(1); err != nil || lvl != High {
		t.Fatalf("Read: got %v (%v), want HIGH", lvl, err)
	}
	if err := c.ArmFalling(1, 0); err != nil {
		t.Fatalf("ArmFalling: %v", err)
	}

	s.Pulldown(1)

	select {
	case ev := <-c.Events():
		if ev.Pin != 1 || ev.Edge != EdgeFalling {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no falling edge event")
	}

	if err := c.Disarm(1); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	s.Pullup(1)
	s.Pulldown(1)

	select {
	case ev := <-c.Events():
		t.Errorf("event after Disarm: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealControllerShortTapWithinDebounce(t *testing.T) {
	s, c := newSimController(t, 2)

	s.Pullup(1)
	if err := c.SetInput(1, PullUp); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := c.ArmFalling(1, 250*time.Millisecond); err != nil {
		t.Fatalf("ArmFalling: %v", err)
	}

	// A 20ms tap with a bounce on release, all inside the window.
	s.Pulldown(1)
	time.Sleep(20 * time.Millisecond)
	s.Pullup(1)
	s.Pulldown(1)
	s.Pullup(1)

	select {
	case ev := <-c.Events():
		if ev.Pin != 1 || ev.Edge != EdgeFalling {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("short tap produced no event")
	}

	select {
	case ev := <-c.Events():
		t.Errorf("bounce inside the window reported: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// Outside the window the next press is reported again.
	time.Sleep(250 * time.Millisecond)
	s.Pulldown(1)
	select {
	case <-c.Events():
	case <-time.After(time.Second):
		t.Fatal("no event for a press after the window")
	}
}

func TestRealControllerWaitForEdge(t *testing.T) {
	s, c := newSimController(t, 2)

	if err := c.SetInput(1, PullUp); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	s.Pulldown(1)

	done := make(chan error, 1)
	go func() {
		done <- c.WaitForEdge(context.Background(), 1, EdgeRising)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Pullup(1)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForEdge did not return on rising edge")
	}
}

func TestRealControllerUnknownPin(t *testing.T) {
	_, c := newSimController(t, 1)

	if err := c.SetOutput(7, Low); !errors.Is(err, ErrUnknownPin) {
		t.Errorf("expected ErrUnknownPin, got %v", err)
	}
}

func TestRealControllerClose(t *testing.T) {
	_, c := newSimController(t, 1)

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if lvl, err := c.Read(0); err != nil || lvl != Low {
		t.Errorf("Read after Reset: got %v (%v), want LOW from the pull-down", lvl, err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Read(0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: expected ErrClosed, got %v", err)
	}
}

func TestNewRealControllerMissingChip(t *testing.T) {
	if _, err := NewRealController("gpiochip-does-not-exist", []int{0}); err == nil {
		t.Error("expected error for missing chip")
	}
}
