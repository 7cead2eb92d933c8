// Package jobs implements the "orcaops-admin jobs" subcommand tree:
// inspecting and cancelling job runs via JobManager/RunStore, following
// bb/cmd/bb/commands/cleanup's pattern of a self-registering subcommand
// package with its own root command and flags.
package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/runstore"
)

func statusFilter(s string) models.JobStatus {
	return models.JobStatus(s)
}

func init() {
	jobsRootCmd.AddCommand(listCmd, getCmd, cancelCmd)
	commands.RootCmd.AddCommand(jobsRootCmd)
}

var jobsRootCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel job runs",
}

var listFilter struct {
	status string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List job runs known to RunStore",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		records, err := a.Jobs.List(runstore.Filter{Status: statusFilter(listFilter.status)})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB ID\tSTATUS\tIMAGE\tCREATED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.JobID, r.Status, r.Spec.Image, r.CreatedAt.String())
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print the full RunRecord for a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		record, err := a.Jobs.Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cooperative cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		return a.Jobs.Cancel(args[0])
	},
}

func init() {
	listCmd.Flags().StringVar(&listFilter.status, "status", "", "Filter by job status (QUEUED, RUNNING, SUCCESS, FAILED, TIMED_OUT, CANCELLED)")
}
