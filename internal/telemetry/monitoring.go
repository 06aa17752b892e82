package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Handler serves the collector's series in a Prometheus-style text format.
func Handler(c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		typed := map[string]bool{}
		for _, s := range c.Snapshot() {
			if !typed[s.Name] {
				fmt.Fprintf(w, "# TYPE %s %s\n", s.Name, promType(s.Type))
				typed[s.Name] = true
			}
			labels := formatLabels(s.Labels)
			switch s.Type {
			case Timer:
				fmt.Fprintf(w, "%s_ms_sum%s %g\n", s.Name, labels, s.Value)
				fmt.Fprintf(w, "%s_ms_count%s %d\n", s.Name, labels, s.Count)
			default:
				fmt.Fprintf(w, "%s%s %g\n", s.Name, labels, s.Value)
			}
		}
	})
}

func promType(t MetricType) string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	default:
		return "summary"
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
