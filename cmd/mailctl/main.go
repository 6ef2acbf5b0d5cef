package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignite/mailflow/internal/app"
	"github.com/ignite/mailflow/internal/config"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mailflow-ctl",
		Short:   "mailflow operator tool",
		Long:    "Inspect and repair the mailflow ingestion pipeline: dead letters, message completion and queue depth.",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "path to configuration file")

	rootCmd.AddCommand(deadLetterCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads the configuration, builds the app and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app.ConfigureLogger(config.LogConfig{Level: "warn", RedactPII: cfg.Log.RedactPII})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
