// Package remotetest provides a scriptable in-memory remote.Host for tests.
package remotetest

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"

	"github.com/3cpo-dev/deployctl/internal/remote"
)

// Handler answers a command. n counts earlier matches of the same handler.
type Handler func(cmd string, n int) (remote.Result, error)

type handler struct {
	substr string
	fn     Handler
	hang   bool
	calls  int
}

// Host records every command and file operation.
type Host struct {
	mu       sync.Mutex
	handlers []*handler
	commands []string
	files    map[string][]byte
	written  map[string][]byte
	removed  []string
	closed   bool
}

func New() *Host {
	return &Host{files: map[string][]byte{}, written: map[string][]byte{}}
}

// On registers fn for commands containing substr. The first matching handler
// in registration order wins; unmatched commands succeed with empty output.
func (h *Host) On(substr string, fn Handler) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, &handler{substr: substr, fn: fn})
	return h
}

// Hang makes commands containing substr block until their context ends, like
// a command stuck on an unreachable port.
func (h *Host) Hang(substr string) *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, &handler{substr: substr, hang: true})
	return h
}

// Reply makes commands containing substr succeed with stdout.
func (h *Host) Reply(substr, stdout string) *Host {
	return h.On(substr, func(string, int) (remote.Result, error) {
		return remote.Result{Stdout: stdout}, nil
	})
}

// FailTimes makes the first n commands containing substr exit with code 1.
func (h *Host) FailTimes(substr string, n int) *Host {
	return h.On(substr, func(cmd string, calls int) (remote.Result, error) {
		if calls < n {
			return remote.Result{ExitCode: 1, Stderr: "scripted failure"}, &remote.CommandError{Command: cmd, ExitCode: 1, Stderr: "scripted failure"}
		}
		return remote.Result{}, nil
	})
}

// AlwaysFail makes every command containing substr exit with code 1.
func (h *Host) AlwaysFail(substr string) *Host {
	return h.FailTimes(substr, int(^uint(0)>>1))
}

func (h *Host) Run(ctx context.Context, cmd string) (remote.Result, error) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	var match *handler
	for _, hd := range h.handlers {
		if strings.Contains(cmd, hd.substr) {
			match = hd
			break
		}
	}
	var n int
	if match != nil {
		n = match.calls
		match.calls++
	}
	h.mu.Unlock()
	if match == nil {
		return remote.Result{}, nil
	}
	if match.hang {
		<-ctx.Done()
		return remote.Result{}, ctx.Err()
	}
	return match.fn(cmd, n)
}

func (h *Host) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = bytes.Clone(data)
	h.written[path] = bytes.Clone(data)
	return nil
}

func (h *Host) Remove(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, path)
	h.removed = append(h.removed, path)
	return nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Commands returns every command run so far.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Count returns how many commands contained substr.
func (h *Host) Count(substr string) int {
	n := 0
	for _, c := range h.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Written returns the content last written to path, even if since removed.
func (h *Host) Written(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.written[path]
	return b, ok
}

// Present reports whether path currently exists.
func (h *Host) Present(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.files[path]
	return ok
}

// Closed reports whether Close was called.
func (h *Host) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
