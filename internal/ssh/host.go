package ssh

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/deployctl/internal/remote"
)

// Host is a remote.Host over one SSH connection. The connection is dialed on
// first use and re-dialed after a transport failure; each command gets its own
// session.
type Host struct {
	client *Client

	mu   sync.Mutex
	conn *xssh.Client
	sftp *sftp.Client
}

var _ remote.Host = (*Host)(nil)

func NewHost(c *Client) *Host { return &Host{client: c} }

func (h *Host) connectLocked(ctx context.Context) (*xssh.Client, error) {
	if h.conn != nil {
		return h.conn, nil
	}
	cli, err := Dial(ctx, h.client)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, remote.ConnectionError("connect", err)
	}
	log.Debug().Str("addr", h.client.Addr).Str("user", h.client.User).Msg("ssh connected")
	h.conn = cli
	return cli, nil
}

func (h *Host) dropLocked() {
	if h.sftp != nil {
		h.sftp.Close()
		h.sftp = nil
	}
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
}

// Run executes cmd in a new session. A non-zero exit comes back as a
// *remote.CommandError alongside the filled Result.
func (h *Host) Run(ctx context.Context, cmd string) (remote.Result, error) {
	h.mu.Lock()
	cli, err := h.connectLocked(ctx)
	h.mu.Unlock()
	if err != nil {
		return remote.Result{}, err
	}

	session, err := cli.NewSession()
	if err != nil {
		h.mu.Lock()
		h.dropLocked()
		h.mu.Unlock()
		return remote.Result{}, remote.ConnectionError("new session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		session.Close()
		<-done
		return remote.Result{}, ctx.Err()
	case err = <-done:
	}

	res := remote.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &remote.CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	h.mu.Lock()
	h.dropLocked()
	h.mu.Unlock()
	return res, remote.ConnectionError("run", err)
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.sftp != nil {
		err = h.sftp.Close()
		h.sftp = nil
	}
	if h.conn != nil {
		if cerr := h.conn.Close(); err == nil {
			err = cerr
		}
		h.conn = nil
	}
	return err
}
