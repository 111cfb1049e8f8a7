package status

import "time"

// HeartbeatData is emitted when a heartbeat interval elapses.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
}

// Heartbeat decides when the next periodic heartbeat is due.
// Not safe for concurrent use.
type Heartbeat struct {
	interval time.Duration
	start    time.Time
	last     time.Time
}

// NewHeartbeat schedules heartbeats every interval from start.
// An interval <= 0 disables them.
func NewHeartbeat(start time.Time, interval time.Duration) *Heartbeat {
	return &Heartbeat{interval: interval, start: start, last: start}
}

// Check returns heartbeat data if the interval has elapsed since the last
// heartbeat (or startup).
func (h *Heartbeat) Check(now time.Time) (HeartbeatData, bool) {
	if h.interval <= 0 || now.Sub(h.last) < h.interval {
		return HeartbeatData{}, false
	}
	h.last = now
	return HeartbeatData{Timestamp: now, Uptime: now.Sub(h.start)}, true
}
