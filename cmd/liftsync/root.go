package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/internal/transport"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	pretty     bool
	logLevel   string
}

// applyLogLevel sets the global level from --log-level, falling back to
// the configured level.
func (o *globalOptions) applyLogLevel(configured string) error {
	name := configured
	if o.logLevel != "" {
		name = o.logLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "liftsync",
		Short: "Sync Spacelift resources into a software catalog",
		Long: `liftsync - Spacelift to software catalog sync

liftsync reads spaces, stacks, users, runs and policies from the Spacelift
GraphQL API, maps them to catalog entities and keeps the catalog current
through scheduled resyncs and inbound webhooks.`,
		Version:       transport.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.pretty {
				telemetry.SetOutput(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
			}
		},
	}
	cmd.SetVersionTemplate("liftsync {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "liftsync.toml", "Config file path")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides [log] level)")

	cmd.AddCommand(
		newServeCmd(opts),
		newResyncCmd(opts),
		newCatalogCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "liftsync %s\n", transport.Version)
		},
	}
}
