// Package remote defines the capability the deploy executor needs from a target
// host and builds the docker commands it sends there.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	// ErrRemoteConnection covers authentication and network failures.
	ErrRemoteConnection = errors.New("remote connection error")
	// ErrRemoteCommand covers commands that ran and exited non-zero.
	ErrRemoteCommand = errors.New("remote command error")
)

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Host executes commands and writes files on a deployment target.
//
// Run returns a *CommandError for a non-zero exit and an error wrapping
// ErrRemoteConnection when the command could not be delivered at all.
type Host interface {
	Run(ctx context.Context, cmd string) (Result, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Remove(ctx context.Context, path string) error
	Close() error
}

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command exited with status %d", e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *CommandError) Unwrap() error { return ErrRemoteCommand }

// ConnectionError wraps a transport failure.
func ConnectionError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRemoteConnection, err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
