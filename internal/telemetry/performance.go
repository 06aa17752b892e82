package telemetry

import (
	"time"
)

// DeployMetrics records per-step and per-run metrics of deploy runs.
type DeployMetrics struct {
	collector *Collector
}

func NewDeployMetrics(collector *Collector) *DeployMetrics {
	return &DeployMetrics{collector: collector}
}

// RecordStep records one executor step, including how many retries it took.
func (m *DeployMetrics) RecordStep(service, step string, duration time.Duration, retries int, success bool) {
	if m == nil {
		return
	}
	labels := map[string]string{
		"service": service,
		"step":    step,
	}
	m.collector.Timer("deployctl_step_duration", duration, labels)
	if retries > 0 {
		m.collector.Counter("deployctl_step_retries", float64(retries), labels)
	}
	if success {
		m.collector.Counter("deployctl_steps_successful", 1, labels)
	} else {
		m.collector.Counter("deployctl_steps_failed", 1, labels)
	}
}

// RecordRun records a finished deploy or rollback run by outcome.
func (m *DeployMetrics) RecordRun(service, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	labels := map[string]string{
		"service": service,
		"kind":    kind,
		"outcome": outcome,
	}
	m.collector.Timer("deployctl_run_duration", duration, labels)
	m.collector.Counter("deployctl_runs_total", 1, labels)
}

// RecordHealthProbes records how many probes a health check needed.
func (m *DeployMetrics) RecordHealthProbes(service string, probes int, healthy bool) {
	if m == nil {
		return
	}
	labels := map[string]string{"service": service}
	m.collector.Gauge("deployctl_health_probes", float64(probes), labels)
	if !healthy {
		m.collector.Counter("deployctl_health_timeouts", 1, labels)
	}
}

// TimerScope measures a duration from creation to End.
type TimerScope struct {
	startTime time.Time
}

func NewTimerScope() *TimerScope {
	return &TimerScope{startTime: time.Now()}
}

func (ts *TimerScope) End() time.Duration {
	return time.Since(ts.startTime)
}
