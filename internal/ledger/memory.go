package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Ledger for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records []Record
	Now     func() time.Time
}

func NewMemory() *Memory { return &Memory{Now: time.Now} }

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Memory) RecordStart(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start(rec)
}

func (m *Memory) start(rec Record) (Record, error) {
	if rec.Service == "" {
		return Record{}, fmt.Errorf("record start: service is required")
	}
	for _, r := range m.records {
		if r.Service == rec.Service && r.Outcome == OutcomeInProgress {
			return Record{}, fmt.Errorf("service %q (record %s): %w", rec.Service, r.ID, ErrDeployInProgress)
		}
	}
	rec.ID = uuid.NewString()
	if rec.Kind == "" {
		rec.Kind = KindDeploy
	}
	rec.Outcome = OutcomeInProgress
	rec.StartedAt = m.now()
	rec.FinishedAt = time.Time{}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *Memory) RecordOutcome(_ context.Context, id string, res Result) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finish(id, res)
}

func (m *Memory) finish(id string, res Result) (Record, error) {
	if !res.Outcome.Terminal() {
		return Record{}, fmt.Errorf("record outcome %q is not terminal", res.Outcome)
	}
	for i := range m.records {
		r := &m.records[i]
		if r.ID != id {
			continue
		}
		if r.Outcome != OutcomeInProgress {
			return Record{}, fmt.Errorf("record %s: %w", id, ErrAlreadyFinished)
		}
		r.Outcome = res.Outcome
		if res.Digest != "" {
			r.Digest = res.Digest
		}
		r.Retries = res.Retries
		r.Step = res.Step
		r.Error = res.Error
		r.FinishedAt = m.now()
		return *r, nil
	}
	return Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
}

func (m *Memory) Handoff(_ context.Context, id string, res Result, next Record) (Record, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id && r.Service != next.Service {
			return Record{}, Record{}, fmt.Errorf("handoff from %s to %s: services differ", r.Service, next.Service)
		}
	}
	finished, err := m.finish(id, res)
	if err != nil {
		return Record{}, Record{}, err
	}
	started, err := m.start(next)
	if err != nil {
		return Record{}, Record{}, err
	}
	return finished, started, nil
}

func (m *Memory) LastSuccess(_ context.Context, service string) (Record, error) {
	return m.newest(service, func(r Record) bool { return r.Outcome == OutcomeSuccess })
}

func (m *Memory) Latest(_ context.Context, service string) (Record, error) {
	return m.newest(service, func(Record) bool { return true })
}

func (m *Memory) newest(service string, match func(Record) bool) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if r := m.records[i]; r.Service == service && match(r) {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("service %q: %w", service, ErrNotFound)
}

func (m *Memory) History(_ context.Context, service string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Service != service {
			continue
		}
		out = append(out, m.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Abandon(_ context.Context, service, reason string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Service == service && r.Outcome == OutcomeInProgress {
			return m.finish(r.ID, Result{Outcome: OutcomeAbandoned, Step: r.Step, Retries: r.Retries, Error: reason})
		}
	}
	return Record{}, fmt.Errorf("service %q has no in-progress record: %w", service, ErrNotFound)
}
