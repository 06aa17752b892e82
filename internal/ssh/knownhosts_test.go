package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostKey(t *testing.T) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func marshalAuthorized(s xssh.Signer) []byte {
	return xssh.MarshalAuthorizedKey(s.PublicKey())
}

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	key := newHostKey(t)
	if err := AppendKnownHost(kh, "example.com", string(marshalAuthorized(key))); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.HasPrefix(string(b), "example.com ssh-ed25519 ") {
		t.Fatalf("unexpected known_hosts content %q", b)
	}

	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}
	if err := cb("example.com:22", addr, key.PublicKey()); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
}

func TestKnownHostsStrictRejectsUnknown(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := KnownHostsCallback(kh, false)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2222}
	err = cb("10.0.0.5:2222", addr, newHostKey(t).PublicKey())
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected key error, got %v", err)
	}
}

func TestKnownHostsTrustOnFirstUse(t *testing.T) {
	kh := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := KnownHostsCallback(kh, true)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2222}
	key := newHostKey(t)

	if err := cb("10.0.0.5:2222", addr, key.PublicKey()); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := cb("10.0.0.5:2222", addr, key.PublicKey()); err != nil {
		t.Fatalf("second use: %v", err)
	}
	b, _ := os.ReadFile(kh)
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("expected one known_hosts line, got %d", n)
	}

	// a changed key is never trusted
	err = cb("10.0.0.5:2222", addr, newHostKey(t).PublicKey())
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) || len(keyErr.Want) == 0 {
		t.Fatalf("expected key mismatch, got %v", err)
	}
}
