package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
	"relaybot/internal/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain scheduled jobs",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var jobsListActive bool

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			var f scheduler.Filter
			if jobsListActive {
				f.Active = scheduler.Ptr(true)
			}
			jobs, err := a.Scheduler().List(ctx, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		})
	},
}

var jobsNormalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Rewrite stored jobs into canonical form",
	Long:  "Normalizes recipients and schedules of every stored job and reports the ones that cannot be repaired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			rep, err := a.Scheduler().NormalizeAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

func init() {
	jobsListCmd.Flags().BoolVar(&jobsListActive, "active", false, "only active jobs")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsNormalizeCmd)
}
