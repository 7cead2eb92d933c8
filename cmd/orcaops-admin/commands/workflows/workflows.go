// Package workflows implements the "orcaops-admin workflows" subcommand
// tree, mirroring the jobs subcommand's get/cancel shape against
// WorkflowManager/RunStore instead.
package workflows

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/treksavvysky/orcaops/cmd/orcaops-admin/commands"
	"github.com/treksavvysky/orcaops/internal/models"
	"github.com/treksavvysky/orcaops/internal/workflow"
)

var submitWorkspace string

func init() {
	submitCmd.Flags().StringVar(&submitWorkspace, "workspace", "", "Workspace id to run the workflow under (defaults to ws_default)")
	workflowsRootCmd.AddCommand(getCmd, cancelCmd, submitCmd)
	commands.RootCmd.AddCommand(workflowsRootCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <spec-file.yaml>",
	Short: "Parse a workflow spec YAML file and submit it for execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		spec, err := workflow.ParseSpec(f)
		if err != nil {
			return err
		}

		wsID := models.DefaultWorkspaceID
		if submitWorkspace != "" {
			wsID = models.WorkspaceIDFromName(submitWorkspace)
		}
		ws, err := a.Workspaces.Get(wsID)
		if err != nil {
			return err
		}

		record, err := a.Workflows.Submit(cmd.Context(), spec, *ws)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

var workflowsRootCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect and cancel workflow executions",
}

var getCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Print the full WorkflowRecord for a workflow as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		record, err := a.Workflows.Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Request cooperative cancellation of a running workflow and every job it dispatched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := commands.NewApp()
		if err != nil {
			return err
		}
		return a.Workflows.Cancel(args[0])
	},
}
