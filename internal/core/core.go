// Package core turns the tool configuration into a ready orchestrator: ledger,
// secret backends, SSH connector and telemetry.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/remote"
	"github.com/3cpo-dev/deployctl/internal/secrets"
	"github.com/3cpo-dev/deployctl/internal/ssh"
	"github.com/3cpo-dev/deployctl/internal/telemetry"
)

// Runtime owns the long-lived resources behind an orchestrator.
type Runtime struct {
	Config       Config
	Orchestrator *deploy.Orchestrator
	Telemetry    *telemetry.Collector

	db *sql.DB
}

// NewRuntime opens the ledger and wires the orchestrator from cfg.
func NewRuntime(cfg Config) (*Runtime, error) {
	reg, err := SecretRegistry(cfg)
	if err != nil {
		return nil, err
	}
	store, db, err := OpenLedger(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	collector := telemetry.NewCollector(cfg.Telemetry.Enabled)
	rt := &Runtime{
		Config:    cfg,
		Telemetry: collector,
		db:        db,
		Orchestrator: &deploy.Orchestrator{
			Ledger:  store,
			Secrets: secrets.NewResolver(reg),
			Connect: SSHConnector(cfg),
			Docker:  remote.Docker{Binary: cfg.Defaults.DockerBinary},
			Policy:  cfg.Retry,
			EnvDir:  cfg.Defaults.EnvDir,
			Metrics: telemetry.NewDeployMetrics(collector),
		},
	}
	return rt, nil
}

// Close flushes telemetry and closes the ledger.
func (r *Runtime) Close() error {
	r.Telemetry.Flush()
	return r.db.Close()
}

// DescriptorPath returns <descriptor_dir>/<service>.yaml.
func (r *Runtime) DescriptorPath(service string) string {
	return filepath.Join(r.Config.Defaults.DescriptorDir, service+".yaml")
}

// LoadDescriptor loads a descriptor with the configured default SSH user and
// an optional image override. Failures are step errors naming the service the
// file is named after.
func (r *Runtime) LoadDescriptor(ctx context.Context, path, image string) (descriptor.Descriptor, error) {
	d, err := descriptor.Load(ctx, path,
		descriptor.WithDefaultUser(r.Config.Defaults.User),
		descriptor.WithImage(image),
	)
	if err != nil {
		return d, deploy.LoadError(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), path, err)
	}
	return d, nil
}

// SSHConnector returns a deploy.Connector that reaches hosts with the
// configured key and known_hosts file. Connections are dialed lazily.
func SSHConnector(cfg Config) deploy.Connector {
	return func(ctx context.Context, h descriptor.Host) (remote.Host, error) {
		signer, err := ssh.LoadPrivateKeySigner(cfg.SSH.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("ssh key: %w", err)
		}
		callback, err := ssh.KnownHostsCallback(cfg.SSH.KnownHosts, cfg.SSH.TrustNewHosts)
		if err != nil {
			return nil, err
		}
		return ssh.NewHost(&ssh.Client{
			Addr:       h.Addr(),
			User:       h.User,
			Signer:     signer,
			KnownHosts: callback,
			Timeout:    cfg.SSHTimeout(),
		}), nil
	}
}
