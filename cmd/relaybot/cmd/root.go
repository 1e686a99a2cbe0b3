package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaybot/internal/app"
)

// version can be overridden at build time via:
// go build -ldflags "-X relaybot/cmd/relaybot/cmd.version=1.2.3"
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "relaybot",
	Short:         "Chat dispatch and orchestration service",
	Long:          "relaybot schedules messages, broadcasts to topic subscribers and routes inbound chat into conversations.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal; the environment is used as is.
		_ = godotenv.Load()
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(settingsCmd)
}

// withApp builds the app without starting it, runs fn and releases storage.
// Maintenance commands use it against the same database the service uses.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	runErr := fn(ctx, a)
	_ = a.Stop(context.Background(), app.StopAppStop)
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
