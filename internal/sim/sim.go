// Package sim is a terminal keypad simulator. Keyboard presses close the
// matching contact on a gpio.FakeBoard, so the scanner runs its real scan
// protocol without hardware.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/sweeney/matrix-keypad/internal/gpio"
	"github.com/sweeney/matrix-keypad/internal/keypad"
)

// DefaultHold is how long a simulated key stays down.
const DefaultHold = 150 * time.Millisecond

const logLines = 10

// Sim draws the keypad and the log, and turns keys into contact closures.
type Sim struct {
	screen tcell.Screen
	board  *gpio.FakeBoard
	rows   []int
	cols   []int
	layout keypad.Layout

	// Hold is the simulated press duration. It must exceed the scanner's
	// settle time or every press reads as a bounce.
	Hold time.Duration

	mu    sync.Mutex
	last  keypad.Key
	lines []string
	part  string
}

// New initialises screen and binds keys to the board's row/column pins.
func New(screen tcell.Screen, board *gpio.FakeBoard, cfg keypad.Config) (*Sim, error) {
	layout := cfg.Layout
	if layout == nil {
		layout = keypad.DefaultLayout
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("init screen: %w", err)
	}
	return &Sim{
		screen: screen,
		board:  board,
		rows:   cfg.Rows,
		cols:   cfg.Columns,
		layout: layout,
		Hold:   DefaultHold,
	}, nil
}

// Run handles keyboard input until ctx is done or the user quits with
// q, Esc or Ctrl-C.
func (s *Sim) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.redraw)
	defer stop()

	s.draw()
	for {
		ev := s.screen.PollEvent()
		if ev == nil || ctx.Err() != nil {
			return nil
		}
		switch e := ev.(type) {
		case *tcell.EventResize:
			s.screen.Sync()
			s.draw()
		case *tcell.EventInterrupt:
			s.draw()
		case *tcell.EventKey:
			switch e.Key() {
			case tcell.KeyEscape, tcell.KeyCtrlC:
				return nil
			case tcell.KeyRune:
				if e.Rune() == 'q' {
					return nil
				}
				s.press(keypad.Key(e.Rune()))
			}
		}
	}
}

// Show marks key as the last reported key.
func (s *Sim) Show(key keypad.Key) {
	s.mu.Lock()
	s.last = key
	s.mu.Unlock()
	s.redraw()
}

// Write appends to the log pane. It lets the simulator stand in for the
// process log output.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	text := s.part + string(p)
	parts := strings.Split(text, "\n")
	s.part = parts[len(parts)-1]
	s.lines = append(s.lines, parts[:len(parts)-1]...)
	if n := len(s.lines); n > logLines {
		s.lines = append([]string(nil), s.lines[n-logLines:]...)
	}
	s.mu.Unlock()
	s.redraw()
	return len(p), nil
}

// Close restores the terminal.
func (s *Sim) Close() {
	s.screen.Fini()
}

func (s *Sim) press(key keypad.Key) {
	row, col, ok := s.layout.Position(key)
	if !ok || row >= len(s.rows) || col >= len(s.cols) {
		return
	}
	r, c := s.rows[row], s.cols[col]
	s.board.Press(r, c)
	time.AfterFunc(s.Hold, func() { s.board.Release(r, c) })
}

// redraw asks the event loop to repaint. Safe from any goroutine.
func (s *Sim) redraw() {
	s.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

func (s *Sim) draw() {
	s.mu.Lock()
	last := s.last
	lines := append([]string(nil), s.lines...)
	s.mu.Unlock()

	s.screen.Clear()
	plain := tcell.StyleDefault
	bold := plain.Bold(true)

	drawText(s.screen, 1, 0, bold, "keypad simulator")
	drawText(s.screen, 1, 1, plain, "press 0-9 * # to type, q to quit")

	y := 3
	for _, keys := range s.layout {
		x := 2
		for _, k := range keys {
			style := plain
			if k == last {
				style = plain.Reverse(true)
			}
			drawText(s.screen, x, y, style, "["+k.String()+"]")
			x += 4
		}
		y++
	}

	y++
	for _, line := range lines {
		drawText(s.screen, 1, y, plain, line)
		y++
	}
	s.screen.Show()
}

func drawText(screen tcell.Screen, x, y int, style tcell.Style, text string) {
	for _, r := range text {
		screen.SetContent(x, y, r, nil, style)
		x++
	}
}
