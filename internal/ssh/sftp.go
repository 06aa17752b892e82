package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/3cpo-dev/deployctl/internal/remote"
)

func (h *Host) sftpClient(ctx context.Context) (*sftp.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sftp != nil {
		return h.sftp, nil
	}
	cli, err := h.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		h.dropLocked()
		return nil, remote.ConnectionError("sftp client", err)
	}
	h.sftp = sf
	return sf, nil
}

// WriteFile uploads data to remotePath over SFTP. The file is created with
// mode before any content is written.
func (h *Host) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	sf, err := h.sftpClient(ctx)
	if err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return h.fileError("mkdir remote", err)
	}
	dst, err := sf.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return h.fileError("create remote", err)
	}
	defer dst.Close()
	if err := dst.Chmod(mode); err != nil {
		return h.fileError("chmod remote", err)
	}
	if _, err := dst.Write(data); err != nil {
		return h.fileError("write remote", err)
	}
	return nil
}

// Remove deletes remotePath. A file that is already gone is not an error.
func (h *Host) Remove(ctx context.Context, remotePath string) error {
	sf, err := h.sftpClient(ctx)
	if err != nil {
		return err
	}
	if err := sf.Remove(remotePath); err != nil && !notExist(err) {
		return h.fileError("remove remote", err)
	}
	return nil
}

func notExist(err error) bool {
	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// fileError treats SFTP status errors as command failures and anything else
// as a broken connection.
func (h *Host) fileError(op string, err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return &remote.CommandError{Command: "sftp " + op, ExitCode: 1, Stderr: err.Error()}
	}
	h.mu.Lock()
	h.dropLocked()
	h.mu.Unlock()
	return remote.ConnectionError(op, fmt.Errorf("%s: %w", h.client.Addr, err))
}
