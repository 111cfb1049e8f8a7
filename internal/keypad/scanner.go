package keypad

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/matrix-keypad/internal/gpio"
)

const (
	// DefaultDebounce is the edge debounce window armed on every column.
	DefaultDebounce = 250 * time.Millisecond

	// DefaultSettle is how long contacts are left to settle before the
	// column is sampled again.
	DefaultSettle = 50 * time.Millisecond
)

// ErrInvalidConfig is returned by New for a pin assignment that does not
// match the layout.
var ErrInvalidConfig = errors.New("keypad: invalid config")

// Handler receives each resolved key. It runs on the scan goroutine and
// must not block indefinitely.
type Handler func(Key)

// Config is the pin assignment and timing of a scanner. Rows[i] and
// Columns[j] are wired to the key at Layout[i][j].
type Config struct {
	Rows    []int
	Columns []int
	Layout  Layout // nil means DefaultLayout

	Debounce time.Duration
	Settle   time.Duration

	// ReleaseTimeout bounds the wait for a reported key to be released.
	// Zero waits indefinitely: a held key stalls scanning until released.
	ReleaseTimeout time.Duration
}

// DefaultConfig returns the reference wiring and timings.
func DefaultConfig() Config {
	return Config{
		Rows:     append([]int(nil), gpio.DefaultRowPins...),
		Columns:  append([]int(nil), gpio.DefaultColumnPins...),
		Layout:   DefaultLayout,
		Debounce: DefaultDebounce,
		Settle:   DefaultSettle,
	}
}

// Pins returns every row and column pin.
func (c Config) Pins() []int {
	pins := make([]int, 0, len(c.Rows)+len(c.Columns))
	pins = append(pins, c.Rows...)
	return append(pins, c.Columns...)
}

func (c Config) validate() error {
	if err := c.Layout.validate(); err != nil {
		return err
	}
	if len(c.Rows) != len(c.Layout) {
		return fmt.Errorf("%w: %d row pins for %d layout rows", ErrInvalidConfig, len(c.Rows), len(c.Layout))
	}
	if len(c.Columns) != len(c.Layout[0]) {
		return fmt.Errorf("%w: %d column pins for %d layout columns", ErrInvalidConfig, len(c.Columns), len(c.Layout[0]))
	}
	seen := make(map[int]bool)
	for _, p := range c.Pins() {
		if seen[p] {
			return fmt.Errorf("%w: pin %d assigned twice", ErrInvalidConfig, p)
		}
		seen[p] = true
	}
	if c.Debounce < 0 || c.Settle < 0 || c.ReleaseTimeout < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// Scanner owns a Controller and turns column edges into key presses.
type Scanner struct {
	ctrl           gpio.Controller
	rows           []int
	cols           []int
	layout         Layout
	debounce       time.Duration
	settle         time.Duration
	releaseTimeout time.Duration
	handler        Handler

	// sleep waits out the settle time. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	busy atomic.Bool

	mu     sync.Mutex
	state  State
	counts Counts

	closeOnce sync.Once
	closeErr  error
}

// New takes ownership of ctrl and arms the idle state. On error ctrl is
// closed.
func New(ctrl gpio.Controller, cfg Config, handler Handler) (*Scanner, error) {
	if cfg.Layout == nil {
		cfg.Layout = DefaultLayout
	}
	err := cfg.validate()
	if err == nil && handler == nil {
		err = fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	s := &Scanner{
		ctrl:           ctrl,
		rows:           append([]int(nil), cfg.Rows...),
		cols:           append([]int(nil), cfg.Columns...),
		layout:         cfg.Layout.clone(),
		debounce:       cfg.Debounce,
		settle:         cfg.Settle,
		releaseTimeout: cfg.ReleaseTimeout,
		handler:        handler,
		sleep:          sleepContext,
	}
	if err := s.arm(); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("arm keypad: %w", err)
	}
	return s, nil
}

// Scan runs a scanner on ctrl until ctx is done. The scanner is shut down
// on every return path.
func Scan(ctx context.Context, ctrl gpio.Controller, cfg Config, handler Handler) (err error) {
	s, err := New(ctrl, cfg, handler)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return s.Run(ctx)
}

// Run consumes edges from the controller and resolves them one at a time
// until ctx is done. Shutdown is only safe once Run has returned.
func (s *Scanner) Run(ctx context.Context) error {
	events := s.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return gpio.ErrClosed
			}
			s.dispatch(ctx, ev)
		}
	}
}

// Close detaches edge detection, resets and releases every line.
// Calls after the first return the first result.
func (s *Scanner) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, c := range s.cols {
			if err := s.ctrl.Disarm(c); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close controller: %w", err))
		}
		s.setState(StateClosed)
		s.closeErr = errors.Join(errs...)
		log.Printf("keypad: cleanup done")
	})
	return s.closeErr
}

// State returns the current state machine position.
func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Counts returns a snapshot of scan outcome counters.
func (s *Scanner) Counts() Counts {
	s.mu.Lock()
	c := s.counts
	s.mu.Unlock()
	c.Dropped = s.ctrl.Dropped()
	return c
}

// Layout returns a copy of the key layout.
func (s *Scanner) Layout() Layout {
	return s.layout.clone()
}

// dispatch resolves one falling edge unless a resolution is in progress.
func (s *Scanner) dispatch(ctx context.Context, ev gpio.EdgeEvent) {
	if ev.Edge != gpio.EdgeFalling {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.update(func(c *Counts) { c.Suppressed++ })
		return
	}
	defer s.busy.Store(false)
	s.resolve(ctx, ev.Pin)
}

// resolve finds the key behind a falling edge on pin. It always leaves the
// lines re-armed in the idle state.
func (s *Scanner) resolve(ctx context.Context, pin int) {
	defer func() {
		if err := s.arm(); err != nil {
			log.Printf("keypad: re-arm failed: %v", err)
		}
	}()

	s.setState(StateSettling)
	if err := s.sleep(ctx, s.settle); err != nil {
		return
	}
	level, err := s.ctrl.Read(pin)
	if err != nil {
		s.scanFailed("read pin %d: %v", pin, err)
		return
	}
	if level == gpio.High {
		s.update(func(c *Counts) { c.Bounces++ })
		return
	}

	for _, c := range s.cols {
		if err := s.ctrl.Disarm(c); err != nil {
			log.Printf("keypad: disarm column pin %d: %v", c, err)
		}
	}
	if n := s.drain(); n > 0 {
		s.update(func(c *Counts) { c.Suppressed += n })
	}

	col := indexOf(s.cols, pin)
	if col < 0 {
		log.Printf("keypad: edge on pin %d which is not a column", pin)
		s.update(func(c *Counts) { c.InvalidColumns++ })
		return
	}

	s.setState(StateScanning)
	for _, r := range s.rows {
		if err := s.ctrl.SetInput(r, gpio.PullUp); err != nil {
			s.scanFailed("release row pin %d: %v", r, err)
			return
		}
	}
	if err := s.ctrl.SetOutput(pin, gpio.Low); err != nil {
		s.scanFailed("drive column pin %d: %v", pin, err)
		return
	}

	row := -1
	for i, r := range s.rows {
		lvl, err := s.ctrl.Read(r)
		if err != nil {
			s.scanFailed("read row pin %d: %v", r, err)
			return
		}
		if lvl == gpio.Low {
			row = i
			break
		}
	}
	if row < 0 {
		log.Printf("keypad: no row low on column %d, key released before scan completed", col)
		s.update(func(c *Counts) { c.Incomplete++ })
		return
	}

	key := s.layout[row][col]
	s.setState(StateKeyReported)
	s.update(func(c *Counts) { c.Presses++ })
	s.handler(key)

	if err := s.waitRelease(ctx, s.rows[row]); err != nil && ctx.Err() == nil {
		log.Printf("keypad: waiting for release of %s: %v", key, err)
		s.update(func(c *Counts) { c.WaitErrors++ })
	}
}

// waitRelease blocks until the row rises, bounded by releaseTimeout if set.
func (s *Scanner) waitRelease(ctx context.Context, row int) error {
	if s.releaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.releaseTimeout)
		defer cancel()
	}
	return s.ctrl.WaitForEdge(ctx, row, gpio.EdgeRising)
}

// arm puts the lines in the idle state: rows driven low, columns pulled up
// and armed for falling edges.
func (s *Scanner) arm() error {
	for _, r := range s.rows {
		if err := s.ctrl.SetOutput(r, gpio.Low); err != nil {
			return fmt.Errorf("drive row pin %d: %w", r, err)
		}
	}
	for _, c := range s.cols {
		if err := s.ctrl.SetInput(c, gpio.PullUp); err != nil {
			return fmt.Errorf("pull up column pin %d: %w", c, err)
		}
		if err := s.ctrl.ArmFalling(c, s.debounce); err != nil {
			return fmt.Errorf("arm column pin %d: %w", c, err)
		}
	}
	s.setState(StateIdle)
	return nil
}

// drain discards edges queued before the columns were disarmed.
func (s *Scanner) drain() int {
	events := s.ctrl.Events()
	n := 0
	for {
		select {
		case <-events:
			n++
		default:
			return n
		}
	}
}

func (s *Scanner) scanFailed(format string, args ...any) {
	log.Printf("keypad: scan aborted: "+format, args...)
	s.update(func(c *Counts) { c.ReadErrors++ })
}

func (s *Scanner) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Scanner) update(fn func(c *Counts)) {
	s.mu.Lock()
	fn(&s.counts)
	s.mu.Unlock()
}

func indexOf(pins []int, pin int) int {
	for i, p := range pins {
		if p == pin {
			return i
		}
	}
	return -1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
