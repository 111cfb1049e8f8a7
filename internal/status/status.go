// Package status provides a thread-safe status tracker for the keypad daemon.
// It is read by the HTTP handlers and by lifecycle MQTT events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/matrix-keypad/internal/keypad"
)

// Config contains daemon configuration for display.
type Config struct {
	Backend          string
	RowPins          []int
	ColumnPins       []int
	Layout           keypad.Layout
	DebounceMs       int64
	SettleMs         int64
	ReleaseTimeoutMs int64
	HeartbeatMs      int64
	Broker           string
	HTTPAddr         string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	State         keypad.State
	LastKey       *keypad.Event // nil until the first press
	Counts        keypad.Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			State:     keypad.StateIdle,
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update sets the scanner state and counters.
func (t *Tracker) Update(state keypad.State, counts keypad.Counts) {
	t.mu.Lock()
	t.snap.State = state
	t.snap.Counts = counts
	t.mu.Unlock()
}

// RecordKey stores the most recent key press.
func (t *Tracker) RecordKey(ev keypad.Event) {
	t.mu.Lock()
	t.snap.LastKey = &ev
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// Now is taken at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.LastKey != nil {
		ev := *s.LastKey
		s.LastKey = &ev
	}
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
