package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	State         string     `json:"state"`
	LastKey       *KeyJSON   `json:"last_key,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Counts        CountsJSON `json:"counts"`
	Config        ConfigJSON `json:"config"`
}

// KeyJSON is the most recent key press.
type KeyJSON struct {
	Key       string `json:"key"`
	Row       int    `json:"row"`
	Column    int    `json:"column"`
	Timestamp string `json:"timestamp"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of scanner counters.
type CountsJSON struct {
	Presses        int    `json:"presses"`
	Bounces        int    `json:"bounces"`
	Incomplete     int    `json:"incomplete"`
	InvalidColumns int    `json:"invalid_columns"`
	Suppressed     int    `json:"suppressed"`
	WaitErrors     int    `json:"wait_errors"`
	ReadErrors     int    `json:"read_errors"`
	Dropped        uint64 `json:"dropped"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Backend          string `json:"backend"`
	RowPins          []int  `json:"row_pins"`
	ColumnPins       []int  `json:"column_pins"`
	DebounceMs       int64  `json:"debounce_ms"`
	SettleMs         int64  `json:"settle_ms"`
	ReleaseTimeoutMs int64  `json:"release_timeout_ms"`
	HeartbeatMs      int64  `json:"heartbeat_ms"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.State)
	if state == "" {
		state = "UNKNOWN"
	}
	c := snap.Counts

	inner := StatusInner{
		State:         state,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Presses:        c.Presses,
			Bounces:        c.Bounces,
			Incomplete:     c.Incomplete,
			InvalidColumns: c.InvalidColumns,
			Suppressed:     c.Suppressed,
			WaitErrors:     c.WaitErrors,
			ReadErrors:     c.ReadErrors,
			Dropped:        c.Dropped,
		},
		Config: ConfigJSON{
			Backend:          snap.Config.Backend,
			RowPins:          snap.Config.RowPins,
			ColumnPins:       snap.Config.ColumnPins,
			DebounceMs:       snap.Config.DebounceMs,
			SettleMs:         snap.Config.SettleMs,
			ReleaseTimeoutMs: snap.Config.ReleaseTimeoutMs,
			HeartbeatMs:      snap.Config.HeartbeatMs,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
	}
	if k := snap.LastKey; k != nil {
		inner.LastKey = &KeyJSON{
			Key:       k.Key.String(),
			Row:       k.Row,
			Column:    k.Column,
			Timestamp: k.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
