// Package telemetry keeps in-process deployment metrics and flushes them to the
// structured log.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Series is one metric name plus label set. Counters accumulate, gauges keep
// the last value and timers accumulate milliseconds alongside an observation
// count.
type Series struct {
	Name    string            `json:"name"`
	Type    MetricType        `json:"type"`
	Labels  map[string]string `json:"labels,omitempty"`
	Value   float64           `json:"value"`
	Count   int64             `json:"count"`
	Updated time.Time         `json:"updated"`
}

// Collector manages telemetry collection
type Collector struct {
	mu      sync.Mutex
	enabled bool
	series  map[string]*Series
}

// NewCollector creates a new telemetry collector. A disabled collector drops
// every observation.
func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled, series: map[string]*Series{}}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.observe(name, Counter, labels, func(s *Series) {
		s.Value += value
		s.Count++
	})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.observe(name, Gauge, labels, func(s *Series) {
		s.Value = value
		s.Count++
	})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.observe(name, Timer, labels, func(s *Series) {
		s.Value += float64(d.Milliseconds())
		s.Count++
	})
}

func (c *Collector) observe(name string, typ MetricType, labels map[string]string, update func(*Series)) {
	if c == nil || !c.enabled {
		return
	}
	key := seriesKey(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: name, Type: typ, Labels: copyLabels(labels)}
		c.series[key] = s
	}
	update(s)
	s.Updated = time.Now()
}

// Snapshot returns a copy of every series sorted by name and labels.
func (c *Collector) Snapshot() []Series {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		s := *c.series[k]
		s.Labels = copyLabels(s.Labels)
		out = append(out, s)
	}
	c.mu.Unlock()
	return out
}

// Flush writes every series to the log. Series are kept so a later flush or
// the metrics endpoint still sees totals.
func (c *Collector) Flush() {
	snapshot := c.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	log.Debug().Int("count", len(snapshot)).Msg("Flushing telemetry metrics")
	for _, s := range snapshot {
		log.Info().
			Str("name", s.Name).
			Str("type", string(s.Type)).
			Float64("value", s.Value).
			Int64("count", s.Count).
			Interface("labels", s.Labels).
			Msg("telemetry_metric")
	}
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
