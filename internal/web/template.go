package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/matrix-keypad/internal/keypad"
	"github.com/sweeney/matrix-keypad/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"ms": func(v int64) string {
		if v == 0 {
			return "off"
		}
		return fmt.Sprintf("%dms", v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Keypad</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.pad { width: auto; margin: 1em 0; }
.pad td { width: 3em; height: 3em; text-align: center; border: 1px solid #888; font-size: 1.3em; }
.pad td.last { background: #2a7; color: white; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Keypad</h1>

<table class="pad">
{{range .Grid}}<tr>{{range .}}<td{{if .Last}} class="last"{{end}}>{{.Key}}</td>{{end}}</tr>
{{end}}</table>

<h2>Scanner</h2>
<table>
<tr><th>State</th><td>{{.State}}</td></tr>
<tr><th>Last key</th><td>{{with .LastKey}}{{.Key}} (row {{.Row}}, column {{.Column}}) at {{.Timestamp.UTC.Format "2006-01-02T15:04:05Z"}}{{else}}none{{end}}</td></tr>
</table>

<h2>Counts</h2>
<table>
<tr><th>Presses</th><td>{{.Counts.Presses}}</td></tr>
<tr><th>Bounces</th><td>{{.Counts.Bounces}}</td></tr>
<tr><th>Incomplete scans</th><td>{{.Counts.Incomplete}}</td></tr>
<tr><th>Invalid columns</th><td>{{.Counts.InvalidColumns}}</td></tr>
<tr><th>Suppressed edges</th><td>{{.Counts.Suppressed}}</td></tr>
<tr><th>Release wait errors</th><td>{{.Counts.WaitErrors}}</td></tr>
<tr><th>Read errors</th><td>{{.Counts.ReadErrors}}</td></tr>
<tr><th>Dropped edges</th><td>{{.Counts.Dropped}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}none{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Backend</th><td>{{.Config.Backend}}</td></tr>
<tr><th>Row pins</th><td>{{.Config.RowPins}}</td></tr>
<tr><th>Column pins</th><td>{{.Config.ColumnPins}}</td></tr>
<tr><th>Debounce</th><td>{{ms .Config.DebounceMs}}</td></tr>
<tr><th>Settle</th><td>{{ms .Config.SettleMs}}</td></tr>
<tr><th>Release timeout</th><td>{{ms .Config.ReleaseTimeoutMs}}</td></tr>
<tr><th>Heartbeat</th><td>{{ms .Config.HeartbeatMs}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

type cell struct {
	Key  keypad.Key
	Last bool
}

func grid(snap status.Snapshot) [][]cell {
	layout := snap.Config.Layout
	if layout == nil {
		layout = keypad.DefaultLayout
	}
	rows := make([][]cell, len(layout))
	for r, keys := range layout {
		rows[r] = make([]cell, len(keys))
		for c, k := range keys {
			last := snap.LastKey != nil && snap.LastKey.Row == r && snap.LastKey.Column == c
			rows[r][c] = cell{Key: k, Last: last}
		}
	}
	return rows
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func renderHTML(w io.Writer, snap status.Snapshot) {
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Grid   [][]cell
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Grid:     grid(snap),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render: %v", err)
	}
}
