package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change runtime settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			all, err := a.Settings().All(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), all)
		})
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			v, err := a.Settings().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"key": args[0], "value": v})
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			if err := a.Settings().Set(ctx, args[0], args[1]); err != nil {
				return err
			}
			v, err := a.Settings().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"key": args[0], "value": v})
		})
	},
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}
