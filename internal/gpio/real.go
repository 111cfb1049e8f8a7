//go:build linux

package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// consumer labels the lines we hold in the kernel's line info.
const consumer = "keypad"

// RealController drives lines through the Linux GPIO character device.
type RealController struct {
	chip   *gpiocdev.Chip
	events chan EdgeEvent
	drops  atomic.Uint64

	mu       sync.Mutex
	lines    map[int]*gpiocdev.Line
	pulls    map[int]Pull
	armed    map[int]bool
	debounce map[int]time.Duration
	last     map[int]time.Time
	waiters  map[int][]edgeWaiter
	closed   bool

	now func() time.Time
}

type edgeWaiter struct {
	edge Edge
	done chan struct{}
}

// NewRealController opens chip and requests every pin as an input. Each line
// is requested with an event handler so edge detection can be switched on
// later with Reconfigure.
func NewRealController(chipName string, pins []int) (*RealController, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	c := &RealController{
		chip:     chip,
		events:   make(chan EdgeEvent, eventBuffer),
		lines:    make(map[int]*gpiocdev.Line, len(pins)),
		pulls:    make(map[int]Pull, len(pins)),
		armed:    make(map[int]bool, len(pins)),
		debounce: make(map[int]time.Duration, len(pins)),
		last:     make(map[int]time.Time, len(pins)),
		waiters:  make(map[int][]edgeWaiter),
		now:      time.Now,
	}
	for _, pin := range pins {
		line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithEventHandler(c.handleEvent))
		if err != nil {
			c.releaseLines()
			chip.Close()
			return nil, fmt.Errorf("request pin %d: %w", pin, err)
		}
		c.lines[pin] = line
	}
	return c, nil
}

func (c *RealController) SetOutput(pin int, level Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.line(pin)
	if err != nil {
		return err
	}
	c.armed[pin] = false
	c.pulls[pin] = PullNone
	if err := line.Reconfigure(gpiocdev.WithoutEdges, gpiocdev.AsOutput(int(level))); err != nil {
		return fmt.Errorf("set pin %d output: %w", pin, err)
	}
	return nil
}

func (c *RealController) SetInput(pin int, pull Pull) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.line(pin)
	if err != nil {
		return err
	}
	c.armed[pin] = false
	c.pulls[pin] = pull
	if err := line.Reconfigure(gpiocdev.AsInput, biasOption(pull), gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("set pin %d input: %w", pin, err)
	}
	return nil
}

func (c *RealController) Read(pin int) (Level, error) {
	c.mu.Lock()
	line, err := c.line(pin)
	c.mu.Unlock()
	if err != nil {
		return Low, err
	}
	v, err := line.Value()
	if err != nil {
		return Low, fmt.Errorf("read pin %d: %w", pin, err)
	}
	if v == 0 {
		return Low, nil
	}
	return High, nil
}

// ArmFalling enables falling edge events on pin. The first edge is reported
// at once and later edges within debounce of it are ignored. Kernel debounce
// only reports a level held for the whole period and would drop short taps.
func (c *RealController) ArmFalling(pin int, debounce time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.line(pin)
	if err != nil {
		return err
	}
	if err := line.Reconfigure(gpiocdev.AsInput, biasOption(c.pulls[pin]), gpiocdev.WithFallingEdge); err != nil {
		return fmt.Errorf("arm pin %d: %w", pin, err)
	}
	c.armed[pin] = true
	c.debounce[pin] = debounce
	return nil
}

func (c *RealController) Disarm(pin int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	line, err := c.line(pin)
	if err != nil {
		return err
	}
	c.armed[pin] = false
	if err := line.Reconfigure(gpiocdev.AsInput, biasOption(c.pulls[pin]), gpiocdev.WithoutEdges); err != nil {
		return fmt.Errorf("disarm pin %d: %w", pin, err)
	}
	return nil
}

func (c *RealController) WaitForEdge(ctx context.Context, pin int, edge Edge) error {
	done := make(chan struct{})

	c.mu.Lock()
	line, err := c.line(pin)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.waiters[pin] = append(c.waiters[pin], edgeWaiter{edge: edge, done: done})
	err = line.Reconfigure(gpiocdev.AsInput, biasOption(c.pulls[pin]), edgeOption(edge))
	c.mu.Unlock()
	defer c.dropWaiter(pin, done)

	if err != nil {
		return fmt.Errorf("wait for %s edge on pin %d: %w", edge, pin, err)
	}

	// The edge may have passed before detection was enabled.
	if v, err := line.Value(); err == nil && Level(v) == edge.target() {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RealController) Events() <-chan EdgeEvent {
	return c.events
}

func (c *RealController) Dropped() uint64 {
	return c.drops.Load()
}

// Reset reconfigures every line as a pulled-down input without edge
// detection, matching the Pi boot defaults so wiring on the header cannot
// hold a pin in an unexpected state during the next boot.
func (c *RealController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var errs []error
	for pin, line := range c.lines {
		c.armed[pin] = false
		c.pulls[pin] = PullDown
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown, gpiocdev.WithoutEdges); err != nil {
			errs = append(errs, fmt.Errorf("reset pin %d: %w", pin, err))
		}
	}
	return errors.Join(errs...)
}

// Close resets and releases all lines, then the chip.
// Lines are closed without holding mu: closing a line waits for its event
// handler to return, and the handler takes mu.
func (c *RealController) Close() error {
	var errs []error
	if err := c.Reset(); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		errs = append(errs, err)
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	errs = append(errs, c.releaseLines()...)
	if err := c.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	return errors.Join(errs...)
}

func (c *RealController) releaseLines() []error {
	c.mu.Lock()
	lines := c.lines
	c.lines = map[int]*gpiocdev.Line{}
	c.mu.Unlock()

	var errs []error
	for pin, line := range lines {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	return errs
}

// handleEvent runs on the line watcher goroutine. It never blocks.
func (c *RealController) handleEvent(evt gpiocdev.LineEvent) {
	edge := EdgeRising
	if evt.Type == gpiocdev.LineEventFallingEdge {
		edge = EdgeFalling
	}

	c.mu.Lock()
	report := c.armed[evt.Offset] && edge == EdgeFalling
	now := c.now()
	if report {
		last := c.last[evt.Offset]
		if d := c.debounce[evt.Offset]; d > 0 && !last.IsZero() && now.Sub(last) < d {
			report = false
		} else {
			c.last[evt.Offset] = now
		}
	}
	kept := c.waiters[evt.Offset][:0]
	for _, w := range c.waiters[evt.Offset] {
		if w.edge == edge {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	c.waiters[evt.Offset] = kept
	c.mu.Unlock()

	if !report {
		return
	}
	select {
	case c.events <- EdgeEvent{Pin: evt.Offset, Edge: edge, Time: now}:
	default:
		c.drops.Add(1)
	}
}

func (c *RealController) dropWaiter(pin int, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.waiters[pin][:0]
	for _, w := range c.waiters[pin] {
		if w.done != done {
			kept = append(kept, w)
		}
	}
	c.waiters[pin] = kept
}

// line must be called with mu held.
func (c *RealController) line(pin int) (*gpiocdev.Line, error) {
	if c.closed {
		return nil, ErrClosed
	}
	line, ok := c.lines[pin]
	if !ok {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrUnknownPin)
	}
	return line, nil
}

func biasOption(p Pull) gpiocdev.LineConfigOption {
	switch p {
	case PullUp:
		return gpiocdev.WithPullUp
	case PullDown:
		return gpiocdev.WithPullDown
	default:
		return gpiocdev.WithBiasDisabled
	}
}

func edgeOption(e Edge) gpiocdev.LineConfigOption {
	if e == EdgeRising {
		return gpiocdev.WithRisingEdge
	}
	return gpiocdev.WithFallingEdge
}
