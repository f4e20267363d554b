package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/ota-agent/internal/service/packager"
	"github.com/oshokin/ota-agent/internal/version"
)

var (
	// options collects the flags of the build command.
	options packager.Options

	// rootCmd represents the base command for building release bundles.
	rootCmd = &cobra.Command{
		Use:   "ota-packager [release-dir] [version]",
		Short: "Build a release bundle and its backend descriptor",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options.SourceDir = args[0]
			options.Version = args[1]

			return packager.Run(ctx, &options)
		},
	}
)

// Execute runs the ota-packager CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	flags := rootCmd.Flags()
	flags.StringVarP(&options.OutputDir, "output", "o", ".", "directory receiving the bundle and descriptor")
	flags.StringVar(&options.BaseURL, "base-url", "", "URL the bundle will be served from")
	flags.StringVar(&options.Priority, "priority", "normal", "critical, high, normal or low")
	flags.StringVar(&options.MinVersion, "min-version", "", "lowest device version the bundle applies to")
	flags.StringVar(&options.MaxVersion, "max-version", "", "highest device version the bundle applies to")
	flags.BoolVar(&options.RequiresReboot, "requires-reboot", false, "reboot devices after installing")
	flags.StringVar(&options.ReleaseNotes, "notes", "", "release notes shown to operators")
	flags.StringVarP(&options.ConfigPath, "config", "c", "", "also write an agent settings template here")
	flags.StringVar(&options.BackendURL, "backend-url", "", "update API root written into the settings template")
}
