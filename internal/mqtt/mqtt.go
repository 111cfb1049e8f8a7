// Package mqtt publishes keypad events to an MQTT broker, with a fake for tests.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/matrix-keypad/internal/keypad"
)

// Topic is the MQTT topic for key presses.
const Topic = "home/keypad/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "home/keypad/system"

// EventKeyPress is the event name carried by every key payload.
const EventKeyPress = "KEY_PRESS"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a key press to the broker.
	// Errors are reported to the caller and must not stop scanning.
	Publish(event keypad.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a lifecycle event: STARTUP, SHUTDOWN, HEARTBEAT, RECONNECTED.
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // e.g. "SIGTERM", "MQTT_DISCONNECT"
	RawPayload []byte // pre-formatted status snapshot; sent as is when set
	Retained   bool
}

// Payload is the MQTT message body for a key press.
type Payload struct {
	Keypad KeyPayload `json:"keypad"`
}

// KeyPayload describes one key press.
type KeyPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Key       string `json:"key"`
	Row       int    `json:"row"`
	Column    int    `json:"column"`
}

// FormatPayload creates the JSON payload for a key press.
func FormatPayload(event keypad.Event) ([]byte, error) {
	payload := Payload{
		Keypad: KeyPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     EventKeyPress,
			Key:       event.Key.String(),
			Row:       event.Row,
			Column:    event.Column,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload is the message body for events that carry no status
// snapshot, such as the LWT and RECONNECTED.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// A set RawPayload is returned unchanged.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
