package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sweeney/matrix-keypad/internal/gpio"
	"github.com/sweeney/matrix-keypad/internal/keypad"
	"github.com/sweeney/matrix-keypad/internal/mqtt"
	"github.com/sweeney/matrix-keypad/internal/status"
	"github.com/sweeney/matrix-keypad/internal/web"
)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from the loop goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fakeScan struct {
	mu     sync.Mutex
	state  keypad.State
	counts keypad.Counts
}

func (f *fakeScan) State() keypad.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeScan) Counts() keypad.Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	loop     *loop
	pub      *mqtt.FakePublisher
	tracker  *status.Tracker
	keys     chan keypad.Event
	tick     chan time.Time
	sig      chan os.Signal
	quit     chan struct{}
	scanDone chan struct{}
	shown    []keypad.Key
}

func newHarness(heartbeat time.Duration) *harness {
	h := &harness{
		pub:      mqtt.NewFakePublisher(),
		tracker:  status.NewTracker(t0, status.Config{Broker: "tcp://localhost:1883"}),
		keys:     make(chan keypad.Event),
		tick:     make(chan time.Time),
		sig:      make(chan os.Signal, 1),
		quit:     make(chan struct{}),
		scanDone: make(chan struct{}),
	}
	h.loop = &loop{
		keys:       h.keys,
		scanner:    &fakeScan{state: keypad.StateIdle, counts: keypad.Counts{Presses: 7, Bounces: 2}},
		scanDone:   h.scanDone,
		publisher:  h.pub,
		mqttStatus: h.pub,
		tracker:    h.tracker,
		heartbeat:  status.NewHeartbeat(t0, heartbeat),
		now:        fakeClock(t0, 5*time.Minute),
		tick:       h.tick,
		sig:        h.sig,
		quit:       h.quit,
		show:       func(k keypad.Key) { h.shown = append(h.shown, k) },
	}
	return h
}

func (h *harness) start() <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.loop.run() }()
	return done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not return")
	}
}

func TestLoopPublishesKeys(t *testing.T) {
	h := newHarness(0)
	done := h.start()

	h.keys <- keypad.Event{Timestamp: t0, Key: '1', Row: 0, Column: 0}
	h.keys <- keypad.Event{Timestamp: t0, Key: '#', Row: 3, Column: 2}
	h.sig <- syscall.SIGTERM
	wait(t, done)

	keys := h.pub.Keys()
	if len(keys) != 2 || keys[0] != '1' || keys[1] != '#' {
		t.Errorf("published keys: got %v, want [1 #]", keys)
	}
	if col := gjson.GetBytes(h.pub.Payloads[1], "keypad.column").Int(); col != 2 {
		t.Errorf("column: got %d, want 2", col)
	}
	if len(h.shown) != 2 || h.shown[1] != '#' {
		t.Errorf("shown keys: got %v", h.shown)
	}
	snap := h.tracker.Snapshot()
	if snap.LastKey == nil || snap.LastKey.Key != '#' {
		t.Errorf("tracker LastKey: got %+v", snap.LastKey)
	}
	if snap.Counts.Presses != 7 {
		t.Errorf("tracker counts not refreshed: %+v", snap.Counts)
	}
}

func TestLoopShutdownSignals(t *testing.T) {
	tests := []struct {
		sig    os.Signal
		reason string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			h := newHarness(0)
			done := h.start()
			h.sig <- tt.sig
			wait(t, done)

			if names := h.pub.SystemEventNames(); len(names) != 1 || names[0] != "SHUTDOWN" {
				t.Fatalf("system events: got %v, want [SHUTDOWN]", names)
			}
			ev := h.pub.SystemEvents[0]
			if ev.Reason != tt.reason || !ev.Retained {
				t.Errorf("shutdown: reason %q retained %v", ev.Reason, ev.Retained)
			}
			if r := gjson.GetBytes(h.pub.SystemPayloads[0], "status.reason").String(); r != tt.reason {
				t.Errorf("payload reason: got %q, want %q", r, tt.reason)
			}
		})
	}
}

func TestLoopQuit(t *testing.T) {
	h := newHarness(0)
	done := h.start()
	close(h.quit)
	wait(t, done)

	if h.pub.SystemEvents[0].Reason != "QUIT" {
		t.Errorf("reason: got %q, want QUIT", h.pub.SystemEvents[0].Reason)
	}
}

func TestLoopScannerStopped(t *testing.T) {
	h := newHarness(0)
	done := h.start()
	close(h.scanDone)
	wait(t, done)

	if h.pub.SystemEvents[0].Reason != "SCANNER_STOPPED" {
		t.Errorf("reason: got %q, want SCANNER_STOPPED", h.pub.SystemEvents[0].Reason)
	}
	if st := h.tracker.Snapshot().State; st != keypad.StateClosed {
		t.Errorf("tracker state: got %s, want CLOSED", st)
	}
	if st := gjson.GetBytes(h.pub.SystemPayloads[0], "status.state").String(); st != "CLOSED" {
		t.Errorf("status.state: got %q, want CLOSED", st)
	}

	rec := httptest.NewRecorder()
	web.New(":0", h.tracker).Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/healthz: got %d, want 503", rec.Code)
	}
}

func TestLoopHeartbeat(t *testing.T) {
	// Ticks read the clock at 0, 5, 10 and 15 minutes; the fourth is due.
	h := newHarness(15 * time.Minute)
	done := h.start()
	for i := 0; i < 4; i++ {
		h.tick <- time.Time{}
	}
	h.sig <- syscall.SIGTERM
	wait(t, done)

	names := h.pub.SystemEventNames()
	if len(names) != 2 || names[0] != "HEARTBEAT" || names[1] != "SHUTDOWN" {
		t.Fatalf("system events: got %v, want [HEARTBEAT SHUTDOWN]", names)
	}
	if h.pub.SystemEvents[0].Retained {
		t.Error("heartbeat should not be retained")
	}
	hb := h.pub.SystemPayloads[0]
	if ev := gjson.GetBytes(hb, "status.event").String(); ev != "HEARTBEAT" {
		t.Errorf("status.event: got %q", ev)
	}
	if n := gjson.GetBytes(hb, "status.counts.bounces").Int(); n != 2 {
		t.Errorf("status.counts.bounces: got %d, want 2", n)
	}
}

func TestLoopHeartbeatDisabled(t *testing.T) {
	h := newHarness(0)
	done := h.start()
	for i := 0; i < 10; i++ {
		h.tick <- time.Time{}
	}
	h.sig <- syscall.SIGINT
	wait(t, done)

	if names := h.pub.SystemEventNames(); len(names) != 1 {
		t.Errorf("system events: got %v, want only SHUTDOWN", names)
	}
}

func TestLoopPublishErrorContinues(t *testing.T) {
	h := newHarness(0)
	h.pub.PublishError = errors.New("broker down")
	done := h.start()

	h.keys <- keypad.Event{Key: '4'}
	h.keys <- keypad.Event{Key: '5'}
	h.sig <- syscall.SIGTERM
	wait(t, done)

	if len(h.shown) != 2 {
		t.Errorf("keys should still be handled, got %v", h.shown)
	}
	if names := h.pub.SystemEventNames(); len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Errorf("shutdown should still be published, got %v", names)
	}
}

func TestLoopTracksMQTTStatus(t *testing.T) {
	h := newHarness(0)
	h.pub.Connected = true
	done := h.start()
	h.tick <- time.Time{}
	h.sig <- syscall.SIGTERM
	wait(t, done)

	if !h.tracker.Snapshot().MQTTConnected {
		t.Error("tracker should report MQTT connected")
	}
}

func TestEventHandler(t *testing.T) {
	keys := make(chan keypad.Event, 1)
	handler := eventHandler(nil, fakeClock(t0, time.Second), keys)

	handler('8')
	handler('9') // channel full, dropped

	ev := <-keys
	if ev.Key != '8' || ev.Row != 2 || ev.Column != 1 {
		t.Errorf("event: got %+v, want key 8 at row 2 column 1", ev)
	}
	if !ev.Timestamp.Equal(t0) {
		t.Errorf("timestamp: got %v, want %v", ev.Timestamp, t0)
	}
	select {
	case ev := <-keys:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestPrintLevels(t *testing.T) {
	cfg := keypad.DefaultConfig()
	board := gpio.NewFakeBoard(cfg.Pins()...)
	board.SetOutput(18, gpio.Low)

	var buf bytes.Buffer
	if err := printLevels(&buf, board, cfg); err != nil {
		t.Fatalf("printLevels: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"row 0 (GPIO18): LOW\n",
		"row 1 (GPIO23): HIGH\n",
		"column 2 (GPIO22): HIGH\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 7 {
		t.Errorf("lines: got %d, want 7", n)
	}
}

func TestPrintStateArmsIdle(t *testing.T) {
	cfg := keypad.DefaultConfig()
	board := gpio.NewFakeBoard(cfg.Pins()...)
	board.Press(cfg.Rows[1], cfg.Columns[1]) // '5' held

	var buf bytes.Buffer
	if err := printState(&buf, board, cfg); err != nil {
		t.Fatalf("printState: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"row 0 (GPIO18): LOW\n",
		"row 3 (GPIO25): LOW\n",
		"column 0 (GPIO4): HIGH\n",
		"column 1 (GPIO17): LOW\n",
		"column 2 (GPIO22): HIGH\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if !board.Closed() {
		t.Error("board should be released after printing")
	}
}

func TestPrintLevelsReadError(t *testing.T) {
	cfg := keypad.DefaultConfig()
	board := gpio.NewFakeBoard(cfg.Pins()...)
	board.ReadError = errors.New("line busy")

	var buf bytes.Buffer
	if err := printLevels(&buf, board, cfg); !errors.Is(err, board.ReadError) {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestOpenController(t *testing.T) {
	ctrl, board, err := openController("sim", "", []int{4, 18})
	if err != nil {
		t.Fatalf("sim backend: %v", err)
	}
	if board == nil || ctrl != gpio.Controller(board) {
		t.Error("sim backend should return its board as the controller")
	}
	ctrl.Close()

	if _, _, err := openController("bogus", "", nil); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestParsePins(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"18,23,24,25", []int{18, 23, 24, 25}, false},
		{" 4, 17 ,22 ", []int{4, 17, 22}, false},
		{"4,,17", []int{4, 17}, false},
		{"", nil, true},
		{"4,x", nil, true},
		{"-1", nil, true},
	}
	for _, tt := range tests {
		got, err := parsePins(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePins(%q): err %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if joinPins(got) != joinPins(tt.want) {
			t.Errorf("parsePins(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJoinPinsDefaults(t *testing.T) {
	if got := joinPins(gpio.DefaultRowPins); got != "18,23,24,25" {
		t.Errorf("rows: got %q", got)
	}
	if got := joinPins(gpio.DefaultColumnPins); got != "4,17,22" {
		t.Errorf("columns: got %q", got)
	}
}

func TestSignalName(t *testing.T) {
	if signalName(syscall.SIGINT) != "SIGINT" || signalName(syscall.SIGTERM) != "SIGTERM" {
		t.Error("unexpected signal names")
	}
	if signalName(syscall.SIGHUP) != "UNKNOWN" {
		t.Error("unhandled signals should be UNKNOWN")
	}
}
