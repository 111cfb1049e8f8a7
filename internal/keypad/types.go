// Package keypad resolves presses on a row/column matrix keypad.
//
// Idle, every row is driven low and every column is a pulled-up input armed
// for falling edges. A press grounds its column; the scanner lets contacts
// settle, reverses the drive to find the grounded row, reports the key and
// waits for the row to rise again before re-arming.
package keypad

import (
	"fmt"
	"time"
)

// Key is a key symbol: '0'..'9', '*' or '#'.
type Key rune

func (k Key) String() string {
	return string(rune(k))
}

// Digit returns the numeric value of a digit key.
func (k Key) Digit() (int, bool) {
	if k >= '0' && k <= '9' {
		return int(k - '0'), true
	}
	return 0, false
}

// Layout maps (row, column) to a key. It must be rectangular.
type Layout [][]Key

// DefaultLayout is the telephone keypad.
var DefaultLayout = Layout{
	{'1', '2', '3'},
	{'4', '5', '6'},
	{'7', '8', '9'},
	{'*', '0', '#'},
}

// Position returns the row and column of key.
func (l Layout) Position(key Key) (row, col int, ok bool) {
	for r, keys := range l {
		for c, k := range keys {
			if k == key {
				return r, c, true
			}
		}
	}
	return 0, 0, false
}

func (l Layout) clone() Layout {
	out := make(Layout, len(l))
	for i, row := range l {
		out[i] = append([]Key(nil), row...)
	}
	return out
}

func (l Layout) validate() error {
	if len(l) == 0 || len(l[0]) == 0 {
		return fmt.Errorf("%w: empty layout", ErrInvalidConfig)
	}
	for i, row := range l {
		if len(row) != len(l[0]) {
			return fmt.Errorf("%w: layout row %d has %d keys, want %d", ErrInvalidConfig, i, len(row), len(l[0]))
		}
	}
	return nil
}

// State is the scanner's position in the press state machine.
type State string

const (
	StateIdle        State = "IDLE"
	StateSettling    State = "SETTLING"
	StateScanning    State = "SCANNING"
	StateKeyReported State = "KEY_REPORTED"
	StateClosed      State = "CLOSED"
)

// Event is a resolved key press.
type Event struct {
	Timestamp time.Time
	Key       Key
	Row       int
	Column    int
}

// Counts tracks scan outcomes since startup.
type Counts struct {
	Presses        int    // keys reported to the handler
	Bounces        int    // edges whose column was high again after settling
	Incomplete     int    // column low but no row low during the scan
	InvalidColumns int    // edges from a pin that is not a column
	Suppressed     int    // edges ignored while a press was being resolved
	WaitErrors     int    // release waits that failed or timed out
	ReadErrors     int    // scans aborted on a read or reconfigure error
	Dropped        uint64 // edges lost on a full controller buffer
}
