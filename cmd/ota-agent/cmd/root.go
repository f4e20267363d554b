package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/ota-agent/internal/config"
	"github.com/oshokin/ota-agent/internal/service/orchestrator"
	"github.com/oshokin/ota-agent/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rollbackVersion is the release the rollback command switches to.
	rollbackVersion string

	// exitCode is set by the action that ran.
	exitCode int

	// rootCmd represents the base command of the update agent.
	rootCmd = &cobra.Command{
		Use:          "ota-agent",
		Short:        "Over-the-air firmware update agent",
		SilenceUsage: true,
	}
)

// Execute runs the ota-agent CLI and exits with the status of the action.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(orchestrator.ExitFailure)
	}

	os.Exit(exitCode)
}

// actionCommand builds a subcommand that runs one orchestrator action and prints its result.
func actionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &orchestrator.Options{
				ConfigPath: configPath,
				Action:     action,
				Version:    rollbackVersion,
			}

			result, err := orchestrator.Run(ctx, options)
			if err != nil {
				return err
			}

			if result == nil {
				return nil
			}

			exitCode = result.ExitCode()

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")

			return encoder.Encode(result)
		},
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename,
		"path to configuration file")

	rollbackCmd := actionCommand(orchestrator.ActionRollback, "Switch back to an installed earlier release")
	rollbackCmd.Flags().StringVar(&rollbackVersion, "version", "",
		"release to switch to, defaults to the previous one")

	rootCmd.AddCommand(
		actionCommand(orchestrator.ActionCheck, "Ask the backend for updates without installing"),
		actionCommand(orchestrator.ActionApply, "Run one update cycle"),
		rollbackCmd,
		actionCommand(orchestrator.ActionStatus, "Print the installed firmware state"),
		actionCommand(orchestrator.ActionVerify, "Verify installed components against the manifest"),
		actionCommand(orchestrator.ActionPrune, "Remove old releases and backups"),
		actionCommand(orchestrator.ActionDaemon, "Run update cycles periodically and on trigger"),
	)
}
