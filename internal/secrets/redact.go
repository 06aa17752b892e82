package secrets

import (
	"bytes"
	"sort"
	"sync"
)

var mask = []byte("[REDACTED]")

// Redactor masks tracked secret values in text bound for logs or the ledger.
// It keeps its own copies of the values; Scrub zeroes them when the run ends.
type Redactor struct {
	mu     sync.RWMutex
	values [][]byte
}

// Track registers a value for redaction. Every non-empty value is tracked,
// however short.
func (r *Redactor) Track(value []byte) {
	if len(value) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, bytes.Clone(value))
	// longest first so a secret containing another is masked whole
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
}

// Redact replaces every tracked value in s.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.values) == 0 {
		return s
	}
	b := []byte(s)
	for _, v := range r.values {
		b = bytes.ReplaceAll(b, v, mask)
	}
	return string(b)
}

// Scrub zeroes the tracked copies and forgets them.
func (r *Redactor) Scrub() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.values {
		for i := range v {
			v[i] = 0
		}
	}
	r.values = nil
}
