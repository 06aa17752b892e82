package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/deployctl/internal/core"
	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/server"
	"github.com/3cpo-dev/deployctl/internal/ssh"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "deployctl initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			out := cmd.OutOrStdout()

			cfg := core.DefaultConfig()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(out, "config %s exists, keeping it\n", cfgPath)
				if cfg, err = core.LoadConfig(cfgPath); err != nil {
					return err
				}
			} else {
				if err := core.WriteConfig(cfgPath, cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote config %s\n", cfgPath)
			}

			var pub string
			if _, err := os.Stat(cfg.SSH.KeyFile); errors.Is(err, os.ErrNotExist) {
				if pub, err = ssh.GenerateEd25519Keypair(cfg.SSH.KeyFile); err != nil {
					return err
				}
				fmt.Fprintf(out, "generated SSH key %s\n", cfg.SSH.KeyFile)
			} else {
				content, err := os.ReadFile(cfg.SSH.KeyFile + ".pub")
				if err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
				pub = strings.TrimSpace(string(content))
			}
			if err := ssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Defaults.DescriptorDir, 0700); err != nil {
				return fmt.Errorf("mkdir descriptor dir: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0700); err != nil {
				return fmt.Errorf("mkdir ledger dir: %w", err)
			}
			fmt.Fprintf(out, "descriptors go in %s\n", cfg.Defaults.DescriptorDir)
			fmt.Fprintf(out, "add this key to ~%s/.ssh/authorized_keys on each host:\n%s\n", cfg.Defaults.User, pub)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server that accepts deploy and rollback requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			addr, _ := cmd.Flags().GetString("listen")
			if addr == "" {
				addr = cfg.Webhook.Listen
			}
			if cfg.Webhook.Token == "" {
				log.Warn().Msg("No webhook token configured; anyone who can reach the listener can deploy")
			}

			srv := server.New(rt.Orchestrator, func(ctx context.Context, service, image string) (descriptor.Descriptor, error) {
				return rt.LoadDescriptor(ctx, rt.DescriptorPath(service), image)
			})
			srv.Token = cfg.Webhook.Token
			srv.Version = version
			srv.Telemetry = rt.Telemetry

			tlsCfg := server.TLSConfig{CertFile: cfg.Webhook.TLSCert, KeyFile: cfg.Webhook.TLSKey, ClientCA: cfg.Webhook.ClientCA}
			errc := make(chan error, 1)
			go func() {
				if tlsCfg.Enabled() {
					errc <- srv.ListenAndServeTLS(addr, tlsCfg)
					return
				}
				errc <- srv.ListenAndServe(addr)
			}()

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}
			log.Info().Msg("Webhook shutting down")
			grace, _ := cmd.Flags().GetDuration("shutdown-grace")
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().String("listen", "", "listen address (default webhook.listen from config)")
	cmd.Flags().Duration("shutdown-grace", 2*time.Minute, "how long running deploys may finish before they are cancelled")
	return cmd
}
