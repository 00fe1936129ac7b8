package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const promMetricName = "aero_webrtc_signaling_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// PrometheusHandler serves every counter as one Prometheus counter family,
// distinguished by an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for name := range snap {
			events = append(events, name)
		}
		sort.Strings(events)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signaling relay event counters.\n", promMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", promMetricName)
		for _, name := range events {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", promMetricName, labelEscaper.Replace(name), snap[name])
		}
	})
}
