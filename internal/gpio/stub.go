//go:build !linux

package gpio

import (
	"context"
	"errors"
	"time"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealController is not available on non-Linux platforms.
type RealController struct{}

// NewRealController returns an error on non-Linux platforms.
func NewRealController(chipName string, pins []int) (*RealController, error) {
	return nil, errUnsupported
}

func (c *RealController) SetOutput(pin int, level Level) error { return errUnsupported }
func (c *RealController) SetInput(pin int, pull Pull) error    { return errUnsupported }
func (c *RealController) Read(pin int) (Level, error)          { return Low, errUnsupported }

func (c *RealController) ArmFalling(pin int, debounce time.Duration) error {
	return errUnsupported
}

func (c *RealController) Disarm(pin int) error { return errUnsupported }

func (c *RealController) WaitForEdge(ctx context.Context, pin int, edge Edge) error {
	return errUnsupported
}

func (c *RealController) Events() <-chan EdgeEvent { return nil }
func (c *RealController) Dropped() uint64          { return 0 }
func (c *RealController) Reset() error             { return nil }

// Close is a no-op on non-Linux platforms.
func (c *RealController) Close() error {
	return nil
}
