// Package cli implements the ruleflow command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/nkkko/ruleflow/internal/config"
	"github.com/nkkko/ruleflow/internal/logging"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigFile string
	DataDir    string
	Addr       string
	LogLevel   string
}

// load reads the configuration with flag overrides and configures logging
func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.ConfigFile, o.DataDir, o.Addr, o.LogLevel)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	return cfg, nil
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ruleflow",
		Short: "Rule-driven event routing and file distribution",
		Long: `ruleflow evaluates incoming events against configured routes, dispatches
rule results to remote processes and the outcome stream, and distributes
files to local and remote destinations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "route store data directory")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "HTTP API listen address")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRPCServeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}
