package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/tiltbot/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"onOff": func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	},
	"position": func(v float64) string {
		return fmt.Sprintf("%.3f", v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Tiltbot</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.clamped { color: orange; font-weight: bold; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Tiltbot<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Board</h2>
<table>
<tr><th>Board</th><td class="{{if .Robot.Connected}}connected{{else}}disconnected{{end}}">{{if .Robot.Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Reconnects</th><td>{{.Reconnects}}</td></tr>
<tr><th>Drive</th><td>{{.Robot.Left}} / {{.Robot.Right}}</td></tr>
</table>

<h2>Tilt</h2>
<table>
<tr><th>Held</th><td>{{.Robot.HeldTilt}}</td></tr>
<tr><th>Applied</th><td class="{{if .Robot.Clamped}}clamped{{end}}">{{.Robot.Tilt}}{{if .Robot.Clamped}} (limit){{end}}</td></tr>
<tr><th>Position</th><td id="tilt-position">{{if .Robot.PositionOK}}{{position .Robot.Position}}{{else}}unknown{{end}}</td></tr>
<tr><th>Limits</th><td>{{position .Robot.Limits.Min}} .. {{position .Robot.Limits.Max}}</td></tr>
<tr><th>Threshold</th><td>{{if .Robot.Threshold}}{{position .Robot.Threshold.Value}} ({{.Robot.Threshold.Mask}}){{else}}off{{end}}</td></tr>
<tr><th>Last edge</th><td id="tilt-edge">{{if .Robot.LastEdge}}{{.Robot.LastEdge}} at {{.Robot.LastEdgeAt.UTC.Format "2006-01-02T15:04:05Z"}}{{else}}none{{end}}</td></tr>
</table>

<h2>Switches</h2>
<table>
{{range $name, $on := .Robot.Switches}}<tr><th>{{$name}}</th><td class="{{onOff $on}}">{{onOff $on}}</td></tr>
{{end}}</table>

<h2>Counts</h2>
<table>
<tr><th>Cycles</th><td>{{.Robot.Loop.Cycles}}</td></tr>
<tr><th>Clamps</th><td>{{.Robot.Loop.Clamps}}</td></tr>
<tr><th>Samples</th><td>{{.Robot.Sensor.Samples}}</td></tr>
<tr><th>Rising</th><td>{{.Robot.Sensor.Rising}}</td></tr>
<tr><th>Falling</th><td>{{.Robot.Sensor.Falling}}</td></tr>
<tr><th>Reactions</th><td>{{.Robot.Reactions}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Control</th><td>{{.Config.ControlMs}}ms</td></tr>
<tr><th>Updates</th><td>{{.Config.UpdateMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
{{if .Config.Simulated}}<tr><th>Mode</th><td>simulated</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var posEl = document.getElementById("tilt-position");
  var edgeEl = document.getElementById("tilt-edge");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var e = JSON.parse(m.data);
        posEl.textContent = e.value.toFixed(3);
        if (e.edge) {
          edgeEl.textContent = e.edge + " at " + e.timestamp;
        }
      } catch (err) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
