package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBoard is a test double modelling claimed lines and the switch
// contacts between them. A closed contact joins two lines into one net; a
// net is pulled low by any output driven low, otherwise it follows its
// outputs, then its bias, and floats high.
type FakeBoard struct {
	// Now, if set, is the clock used for debounce and event timestamps.
	// When nil the board keeps a manual clock moved by Advance.
	Now func() time.Time

	// WaitError, if set, is returned by WaitForEdge.
	WaitError error

	// ReadError, if set, is returned by Read.
	ReadError error

	mu       sync.Mutex
	pins     map[int]*fakePin
	contacts map[[2]int]bool
	waiters  []*fakeWaiter
	events   chan EdgeEvent
	clock    time.Time
	dropped  uint64
	closed   bool
}

// FakePin is a snapshot of one line's configuration.
type FakePin struct {
	Output   bool
	Out      Level
	Pull     Pull
	Armed    bool
	Debounce time.Duration
}

type fakePin struct {
	FakePin
	level     Level
	lastEvent time.Time
}

type fakeWaiter struct {
	pin  int
	edge Edge
	done chan struct{}
}

// NewFakeBoard creates a FakeBoard claiming the given pins as unbiased inputs.
func NewFakeBoard(pins ...int) *FakeBoard {
	b := &FakeBoard{
		pins:     make(map[int]*fakePin, len(pins)),
		contacts: make(map[[2]int]bool),
		events:   make(chan EdgeEvent, eventBuffer),
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, p := range pins {
		b.pins[p] = &fakePin{level: High}
	}
	return b
}

// Press closes the contact between pins p and q.
func (b *FakeBoard) Press(p, q int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contacts[contactKey(p, q)] = true
	b.propagate()
}

// Release opens the contact between pins p and q.
func (b *FakeBoard) Release(p, q int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.contacts, contactKey(p, q))
	b.propagate()
}

// Advance moves the manual clock forward.
func (b *FakeBoard) Advance(d time.Duration) {
	b.mu.Lock()
	b.clock = b.clock.Add(d)
	b.mu.Unlock()
}

// Pin returns the configuration of pin.
func (b *FakeBoard) Pin(pin int) (FakePin, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[pin]
	if !ok {
		return FakePin{}, false
	}
	return p.FakePin, true
}

// Level returns the electrical level of pin's net.
func (b *FakeBoard) Level(pin int) Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.netLevel(pin)
}

// Closed reports whether Close was called.
func (b *FakeBoard) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *FakeBoard) SetOutput(pin int, level Level) error {
	return b.configure(pin, func(p *fakePin) {
		p.Output = true
		p.Out = level
		p.Pull = PullNone
		p.Armed = false
	})
}

func (b *FakeBoard) SetInput(pin int, pull Pull) error {
	return b.configure(pin, func(p *fakePin) {
		p.Output = false
		p.Pull = pull
		p.Armed = false
	})
}

func (b *FakeBoard) Read(pin int) (Level, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReadError != nil {
		return Low, b.ReadError
	}
	if err := b.check(pin); err != nil {
		return Low, err
	}
	return b.netLevel(pin), nil
}

func (b *FakeBoard) ArmFalling(pin int, debounce time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(pin); err != nil {
		return err
	}
	p := b.pins[pin]
	if p.Output {
		return fmt.Errorf("arm pin %d: edge detection on an output", pin)
	}
	p.Armed = true
	p.Debounce = debounce
	return nil
}

func (b *FakeBoard) Disarm(pin int) error {
	return b.configure(pin, func(p *fakePin) {
		p.Armed = false
	})
}

func (b *FakeBoard) WaitForEdge(ctx context.Context, pin int, edge Edge) error {
	b.mu.Lock()
	if b.WaitError != nil {
		b.mu.Unlock()
		return b.WaitError
	}
	if err := b.check(pin); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.pins[pin].Output {
		b.mu.Unlock()
		return fmt.Errorf("wait for %s edge on pin %d: line is an output", edge, pin)
	}
	if b.netLevel(pin) == edge.target() {
		b.mu.Unlock()
		return nil
	}
	w := &fakeWaiter{pin: pin, edge: edge, done: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		b.removeWaiter(w)
		b.mu.Unlock()
		return ctx.Err()
	}
}

func (b *FakeBoard) Events() <-chan EdgeEvent {
	return b.events
}

func (b *FakeBoard) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *FakeBoard) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, p := range b.pins {
		p.FakePin = FakePin{Pull: PullDown}
	}
	b.propagate()
	return nil
}

// Close resets all lines and marks the board closed.
func (b *FakeBoard) Close() error {
	if err := b.Reset(); err != nil {
		return err
	}
	b.mu.Lock()
	b.closed = true
	for _, w := range b.waiters {
		close(w.done)
	}
	b.waiters = nil
	b.mu.Unlock()
	return nil
}

func (b *FakeBoard) configure(pin int, fn func(p *fakePin)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(pin); err != nil {
		return err
	}
	fn(b.pins[pin])
	b.propagate()
	return nil
}

// check must be called with mu held.
func (b *FakeBoard) check(pin int) error {
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.pins[pin]; !ok {
		return fmt.Errorf("pin %d: %w", pin, ErrUnknownPin)
	}
	return nil
}

func (b *FakeBoard) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return b.clock
}

// net returns every pin joined to pin through closed contacts.
func (b *FakeBoard) net(pin int) []int {
	seen := map[int]bool{pin: true}
	queue := []int{pin}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for k := range b.contacts {
			var other int
			switch cur {
			case k[0]:
				other = k[1]
			case k[1]:
				other = k[0]
			default:
				continue
			}
			if !seen[other] {
				seen[other] = true
				queue = append(queue, other)
			}
		}
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func (b *FakeBoard) netLevel(pin int) Level {
	var driven, pulledUp, pulledDown bool
	drive := High
	for _, n := range b.net(pin) {
		p, ok := b.pins[n]
		if !ok {
			continue
		}
		switch {
		case p.Output:
			driven = true
			if p.Out == Low {
				drive = Low
			}
		case p.Pull == PullUp:
			pulledUp = true
		case p.Pull == PullDown:
			pulledDown = true
		}
	}
	switch {
	case driven:
		return drive
	case pulledUp:
		return High
	case pulledDown:
		return Low
	}
	return High
}

// propagate recomputes every line level, emitting falling edges on armed
// inputs and waking waiters. Must be called with mu held.
func (b *FakeBoard) propagate() {
	now := b.now()
	for pin, p := range b.pins {
		level := b.netLevel(pin)
		if level == p.level {
			continue
		}
		prev := p.level
		p.level = level

		edge := EdgeRising
		if prev == High && level == Low {
			edge = EdgeFalling
		}
		b.wake(pin, edge)

		if edge != EdgeFalling || !p.Armed || p.Output {
			continue
		}
		if p.Debounce > 0 && !p.lastEvent.IsZero() && now.Sub(p.lastEvent) < p.Debounce {
			continue
		}
		p.lastEvent = now
		select {
		case b.events <- EdgeEvent{Pin: pin, Edge: EdgeFalling, Time: now}:
		default:
			b.dropped++
		}
	}
}

func (b *FakeBoard) wake(pin int, edge Edge) {
	kept := b.waiters[:0]
	for _, w := range b.waiters {
		if w.pin == pin && w.edge == edge {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	b.waiters = kept
}

func (b *FakeBoard) removeWaiter(target *fakeWaiter) {
	kept := b.waiters[:0]
	for _, w := range b.waiters {
		if w != target {
			kept = append(kept, w)
		}
	}
	b.waiters = kept
}

func contactKey(x, y int) [2]int {
	if x > y {
		x, y = y, x
	}
	return [2]int{x, y}
}
