package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// periphPoll bounds each blocking WaitForEdge call so watchers notice a
// stop request and waits notice cancellation.
const periphPoll = 50 * time.Millisecond

// PeriphController drives lines through periph.io host drivers. Edge
// detection has no callback there, so each armed line gets a watcher
// goroutine blocking in WaitForEdge.
type PeriphController struct {
	events chan EdgeEvent
	drops  atomic.Uint64
	wg     sync.WaitGroup

	mu       sync.Mutex
	pins     map[int]pgpio.PinIO
	pulls    map[int]Pull
	watchers map[int]*watcher
	closed   bool

	// lastMu guards last, the time of each pin's last reported edge. It is
	// separate from mu so watchers never take mu.
	lastMu sync.Mutex
	last   map[int]time.Time
}

// watcher is the edge loop of one armed pin. done closes when it exits.
type watcher struct {
	stop chan struct{}
	done chan struct{}
}

// NewPeriphController initialises the periph host and looks up each pin by
// its BCM name ("GPIO18").
func NewPeriphController(pins []int) (*PeriphController, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	return newPeriphController(pins, func(pin int) pgpio.PinIO {
		return gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	})
}

func newPeriphController(pins []int, lookup func(pin int) pgpio.PinIO) (*PeriphController, error) {
	c := &PeriphController{
		events:   make(chan EdgeEvent, eventBuffer),
		pins:     make(map[int]pgpio.PinIO, len(pins)),
		pulls:    make(map[int]Pull, len(pins)),
		watchers: make(map[int]*watcher),
		last:     make(map[int]time.Time, len(pins)),
	}
	for _, pin := range pins {
		p := lookup(pin)
		if p == nil {
			return nil, fmt.Errorf("lookup GPIO%d: %w", pin, ErrUnknownPin)
		}
		c.pins[pin] = p
	}
	return c, nil
}

func (c *PeriphController) SetOutput(pin int, level Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pin(pin)
	if err != nil {
		return err
	}
	c.stopWatch(pin)
	c.pulls[pin] = PullNone
	if err := p.Out(periphLevel(level)); err != nil {
		return fmt.Errorf("set pin %d output: %w", pin, err)
	}
	return nil
}

func (c *PeriphController) SetInput(pin int, pull Pull) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pin(pin)
	if err != nil {
		return err
	}
	c.stopWatch(pin)
	c.pulls[pin] = pull
	if err := p.In(periphPull(pull), pgpio.NoEdge); err != nil {
		return fmt.Errorf("set pin %d input: %w", pin, err)
	}
	return nil
}

func (c *PeriphController) Read(pin int) (Level, error) {
	c.mu.Lock()
	p, err := c.pin(pin)
	c.mu.Unlock()
	if err != nil {
		return Low, err
	}
	if p.Read() == pgpio.Low {
		return Low, nil
	}
	return High, nil
}

func (c *PeriphController) ArmFalling(pin int, debounce time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pin(pin)
	if err != nil {
		return err
	}
	c.stopWatch(pin)
	if err := p.In(periphPull(c.pulls[pin]), pgpio.FallingEdge); err != nil {
		return fmt.Errorf("arm pin %d: %w", pin, err)
	}
	w := &watcher{stop: make(chan struct{}), done: make(chan struct{})}
	c.watchers[pin] = w
	c.wg.Add(1)
	go c.watch(pin, p, debounce, w)
	return nil
}

func (c *PeriphController) Disarm(pin int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pin(pin)
	if err != nil {
		return err
	}
	c.stopWatch(pin)
	if err := p.In(periphPull(c.pulls[pin]), pgpio.NoEdge); err != nil {
		return fmt.Errorf("disarm pin %d: %w", pin, err)
	}
	return nil
}

func (c *PeriphController) WaitForEdge(ctx context.Context, pin int, edge Edge) error {
	c.mu.Lock()
	p, err := c.pin(pin)
	if err == nil {
		err = p.In(periphPull(c.pulls[pin]), periphEdge(edge))
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wait for %s edge on pin %d: %w", edge, pin, err)
	}

	target := periphLevel(edge.target())
	for {
		if p.Read() == target {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.WaitForEdge(periphPoll)
	}
}

func (c *PeriphController) Events() <-chan EdgeEvent {
	return c.events
}

func (c *PeriphController) Dropped() uint64 {
	return c.drops.Load()
}

func (c *PeriphController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	var errs []error
	for pin, p := range c.pins {
		c.stopWatch(pin)
		c.pulls[pin] = PullDown
		if err := p.In(pgpio.PullDown, pgpio.NoEdge); err != nil {
			errs = append(errs, fmt.Errorf("reset pin %d: %w", pin, err))
		}
	}
	return errors.Join(errs...)
}

// Close resets the lines, waits for watchers to exit and halts every pin.
func (c *PeriphController) Close() error {
	var errs []error
	if err := c.Reset(); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		errs = append(errs, err)
	}
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for pin, p := range c.pins {
		if err := p.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("halt pin %d: %w", pin, err))
		}
	}
	return errors.Join(errs...)
}

func (c *PeriphController) watch(pin int, p pgpio.PinIO, debounce time.Duration, w *watcher) {
	defer c.wg.Done()
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if !p.WaitForEdge(periphPoll) {
			continue
		}
		select {
		case <-w.stop:
			return
		default:
		}
		now := time.Now()
		c.lastMu.Lock()
		last := c.last[pin]
		skip := debounce > 0 && !last.IsZero() && now.Sub(last) < debounce
		if !skip {
			c.last[pin] = now
		}
		c.lastMu.Unlock()
		if skip {
			continue
		}
		select {
		case c.events <- EdgeEvent{Pin: pin, Edge: EdgeFalling, Time: now}:
		default:
			c.drops.Add(1)
		}
	}
}

// stopWatch must be called with mu held. It returns once the pin's watcher
// has left WaitForEdge, so a new watcher never shares the pin with it.
func (c *PeriphController) stopWatch(pin int) {
	w, ok := c.watchers[pin]
	if !ok {
		return
	}
	close(w.stop)
	delete(c.watchers, pin)
	<-w.done
}

// pin must be called with mu held.
func (c *PeriphController) pin(pin int) (pgpio.PinIO, error) {
	if c.closed {
		return nil, ErrClosed
	}
	p, ok := c.pins[pin]
	if !ok {
		return nil, fmt.Errorf("pin %d: %w", pin, ErrUnknownPin)
	}
	return p, nil
}

func periphLevel(l Level) pgpio.Level {
	if l == Low {
		return pgpio.Low
	}
	return pgpio.High
}

func periphPull(p Pull) pgpio.Pull {
	switch p {
	case PullUp:
		return pgpio.PullUp
	case PullDown:
		return pgpio.PullDown
	default:
		return pgpio.Float
	}
}

func periphEdge(e Edge) pgpio.Edge {
	if e == EdgeRising {
		return pgpio.RisingEdge
	}
	return pgpio.FallingEdge
}
