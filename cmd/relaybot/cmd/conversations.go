package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"relaybot/internal/app"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Maintain stored conversations",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Close idle conversations and archive old closed ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			closed, archived, err := a.Conversations().Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"closed": closed, "archived": archived})
		})
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsArchiveCmd)
}
