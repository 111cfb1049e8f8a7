// Package gpio provides per-line GPIO access with hardware abstraction.
// The real implementations use the Linux GPIO character device (gpiocdev)
// or periph.io. The fake implementation models the keypad wiring
// electrically so the scan protocol can be tested without hardware.
package gpio

import (
	"context"
	"errors"
	"time"
)

// Level is the logic level of a line.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) String() string {
	if l == Low {
		return "LOW"
	}
	return "HIGH"
}

// Pull selects the bias resistor of an input line.
type Pull int

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "pull-up"
	case PullDown:
		return "pull-down"
	default:
		return "none"
	}
}

// Edge is a logic transition.
type Edge int

const (
	EdgeFalling Edge = iota
	EdgeRising
)

func (e Edge) String() string {
	if e == EdgeRising {
		return "rising"
	}
	return "falling"
}

// target returns the level a line sits at once the edge has occurred.
func (e Edge) target() Level {
	if e == EdgeRising {
		return High
	}
	return Low
}

// EdgeEvent is pushed by a Controller when an armed line sees a falling edge.
type EdgeEvent struct {
	Pin  int
	Edge Edge
	Time time.Time
}

var (
	// ErrUnknownPin is returned for a pin the controller did not claim.
	ErrUnknownPin = errors.New("gpio: pin not claimed")

	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("gpio: controller closed")
)

// Controller drives a fixed set of claimed lines. A Controller is an
// explicit handle: nothing about pin configuration lives in package state.
type Controller interface {
	// SetOutput configures pin as an output driven to level.
	SetOutput(pin int, level Level) error

	// SetInput configures pin as an input with the given bias and no edge
	// detection.
	SetInput(pin int, pull Pull) error

	// Read returns the current level of pin.
	Read(pin int) (Level, error)

	// ArmFalling enables falling-edge detection on an input pin, keeping
	// its bias. The first edge is reported at once; edges within debounce
	// of the pin's last reported edge are ignored, across re-arming.
	// Detected edges are delivered on Events. Re-arming replaces the
	// previous arming.
	ArmFalling(pin int, debounce time.Duration) error

	// Disarm disables edge detection on pin.
	Disarm(pin int) error

	// WaitForEdge blocks until pin sees edge. It returns at once if the pin
	// already sits at the level the edge leads to, and returns an error if
	// the wait cannot be armed in the pin's current mode.
	WaitForEdge(ctx context.Context, pin int, edge Edge) error

	// Events delivers edges from armed pins. Sends never block: when the
	// buffer is full the edge is dropped and counted.
	Events() <-chan EdgeEvent

	// Dropped returns the number of edges dropped on a full Events buffer.
	Dropped() uint64

	// Reset returns every claimed line to a pulled-down input with edge
	// detection disabled, the Raspberry Pi boot default.
	Reset() error

	// Close resets and releases all claimed lines.
	Close() error
}

// Pin definitions (BCM numbering) of the reference wiring.
var (
	DefaultRowPins    = []int{18, 23, 24, 25} // rows 1,4,7,*
	DefaultColumnPins = []int{4, 17, 22}      // columns 1,2,3
)

// DefaultChip is the character device holding the BCM lines on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// eventBuffer is the capacity of a controller's Events channel.
const eventBuffer = 16
