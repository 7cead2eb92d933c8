// Package reconcile implements "orcaops-admin reconcile", a manual trigger
// for JobManager.Reconcile: marking runs left non-terminal by a previous
// process crash as orphaned, without waiting for the next process start.
package reconcile

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands"
)

func init() {
	commands.RootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark non-terminal runs left behind by a previous process as orphaned",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		count, err := a.Jobs.Reconcile(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("reconciled %d orphaned job(s)\n", count)
		return nil
	},
}
