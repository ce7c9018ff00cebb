// Command sitegen runs the site generation pipeline and its individual
// steps from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitebuilder/internal/app"
	"sitebuilder/internal/config"
	"sitebuilder/internal/logging"
)

const appName = "sitegen"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Generate marketing sites with coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadDotEnv()
			if logLevel != "" {
				os.Setenv("LOG_LEVEL", logLevel)
			}
			logging.Init()
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		generateCmd(),
		validateCmd(),
		analyzeCmd(),
		extractMediaCmd(),
		imagesCmd(),
		agentStatusCmd(),
	)
	return cmd
}

// components loads the configuration and builds the shared collaborators.
func components(ctx context.Context) (*app.Components, *zap.Logger, error) {
	log := logging.L()
	c, err := app.New(ctx, config.Load(), log)
	if err != nil {
		return nil, nil, err
	}
	return c, log, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// dirArg returns args[i] or the working directory.
func dirArg(args []string, i int) string {
	if len(args) > i && args[i] != "" {
		return args[i]
	}
	return "."
}
