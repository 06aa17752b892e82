package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/deployctl/internal/core"
	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/ledger"
)

// descriptorPath accepts either a descriptor file or a service name looked up
// in the configured descriptor directory.
func descriptorPath(rt *core.Runtime, arg string) string {
	if strings.HasSuffix(arg, ".yaml") || strings.HasSuffix(arg, ".yml") || strings.ContainsRune(arg, os.PathSeparator) {
		return arg
	}
	return rt.DescriptorPath(arg)
}

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <descriptor|service>",
		Short: "Deploy a service's image and roll back if it never turns healthy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, _ := cmd.Flags().GetString("image")
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			d, err := rt.LoadDescriptor(cmd.Context(), descriptorPath(rt, args[0]), image)
			if err != nil {
				return err
			}
			report, err := rt.Orchestrator.Deploy(cmd.Context(), d)
			printReport(cmd.OutOrStdout(), report)
			return err
		},
	}
	cmd.Flags().String("image", "", "image reference overriding the descriptor's image")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <descriptor|service>",
		Short: "Recreate the image that ran before the last successful deploy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			d, err := rt.LoadDescriptor(cmd.Context(), descriptorPath(rt, args[0]), "")
			if err != nil {
				return err
			}
			report, err := rt.Orchestrator.Rollback(cmd.Context(), d)
			printReport(cmd.OutOrStdout(), report)
			return err
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <service>",
		Short: "Show the latest, running and last successful records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			st, err := rt.Orchestrator.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if st.Latest == nil {
				fmt.Fprintf(out, "%s: no deploys recorded\n", st.Service)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "service:\t%s\n", st.Service)
			fmt.Fprintf(w, "in progress:\t%t\n", st.InProgress)
			statusLine(w, "latest", st.Latest)
			statusLine(w, "running", st.Current)
			statusLine(w, "last success", st.LastSuccess)
			return w.Flush()
		},
	}
}

func statusLine(w io.Writer, label string, r *ledger.Record) {
	if r == nil {
		fmt.Fprintf(w, "%s:\t-\n", label)
		return
	}
	fmt.Fprintf(w, "%s:\t%s %s %s (%s)\n", label, r.Kind, r.Image, r.Outcome, r.StartedAt.Format(time.RFC3339))
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <service>",
		Short: "List deploy records, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			records, err := rt.Orchestrator.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tKIND\tIMAGE\tOUTCOME\tRETRIES\tSTEP\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.Kind, r.Image, r.Outcome, r.Retries, r.Step, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "maximum number of records (0 for all)")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <service>",
		Short: "Mark a stale in-progress record abandoned after a crashed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			rec, err := rt.Orchestrator.Unlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned %s record %s (%s)\n", rec.Kind, rec.ID, rec.Image)
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <descriptor|service>",
		Short: "Check a descriptor and print it with defaults applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			d, err := rt.LoadDescriptor(cmd.Context(), descriptorPath(rt, args[0]), "")
			if err != nil {
				return err
			}
			content, err := descriptor.Marshal(d)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
}

func printReport(w io.Writer, report deploy.Report) {
	if report.Record.ID == "" {
		return
	}
	printRecord(w, report.Record)
	if report.Rollback != nil {
		printRecord(w, *report.Rollback)
	}
}

func printRecord(w io.Writer, r ledger.Record) {
	fmt.Fprintf(w, "%s %s: %s", r.Kind, r.Image, r.Outcome)
	if r.Digest != "" {
		fmt.Fprintf(w, " (%s)", r.Digest)
	}
	if r.Retries > 0 {
		fmt.Fprintf(w, ", %d retries", r.Retries)
	}
	fmt.Fprintf(w, " [record %s]\n", r.ID)
}
