package main

import (
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/matrix-keypad/internal/keypad"
	"github.com/sweeney/matrix-keypad/internal/mqtt"
	"github.com/sweeney/matrix-keypad/internal/status"
)

// scanStatus is the part of the scanner the main loop reports on.
type scanStatus interface {
	State() keypad.State
	Counts() keypad.Counts
}

// loop is the single goroutine that owns publishing and status. Every
// channel may be nil, which disables that case.
type loop struct {
	keys       <-chan keypad.Event
	scanner    scanStatus
	scanDone   <-chan struct{}
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	heartbeat  *status.Heartbeat
	now        func() time.Time
	tick       <-chan time.Time
	sig        <-chan os.Signal
	quit       <-chan struct{}
	show       func(keypad.Key)

	// stopped is set once the scan task has exited; status then reports
	// CLOSED so /healthz fails.
	stopped bool
}

// run handles keys, heartbeats and shutdown until a signal arrives, the
// simulator quits or the scanner stops.
func (l *loop) run() error {
	for {
		select {
		case s := <-l.sig:
			log.Printf("received %v, shutting down", s)
			l.announce("SHUTDOWN", signalName(s))
			return nil

		case <-l.quit:
			log.Printf("simulator closed, shutting down")
			l.announce("SHUTDOWN", "QUIT")
			return nil

		case <-l.scanDone:
			log.Printf("keypad: scanner stopped")
			l.stopped = true
			l.announce("SHUTDOWN", "SCANNER_STOPPED")
			return nil

		case ev := <-l.keys:
			log.Printf("keypad: key %s", ev.Key)
			l.tracker.RecordKey(ev)
			if l.show != nil {
				l.show(ev.Key)
			}
			if err := l.publisher.Publish(ev); err != nil {
				log.Printf("publish error: %v", err)
			}
			l.refresh()

		case <-l.tick:
			t := l.now()
			l.refresh()
			if hb, ok := l.heartbeat.Check(t); ok {
				c := l.scanner.Counts()
				log.Printf("heartbeat: uptime=%v presses=%d bounces=%d incomplete=%d suppressed=%d",
					hb.Uptime, c.Presses, c.Bounces, c.Incomplete, c.Suppressed)
				l.announce("HEARTBEAT", "")
			}
		}
	}
}

// refresh copies scanner and connection state into the tracker.
func (l *loop) refresh() {
	state := l.scanner.State()
	if l.stopped {
		state = keypad.StateClosed
	}
	l.tracker.Update(state, l.scanner.Counts())
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
}

// announce publishes a lifecycle event carrying a full status snapshot.
// STARTUP and SHUTDOWN are retained so late subscribers see the last one.
func (l *loop) announce(event, reason string) {
	l.refresh()
	snap := l.tracker.Snapshot()
	se := mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      event,
		Reason:     reason,
		Retained:   event != "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := l.publisher.PublishSystem(se); err != nil {
		log.Printf("failed to publish %s event: %v", event, err)
		return
	}
	log.Printf("published %s event", event)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
