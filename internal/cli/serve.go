package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nkkko/ruleflow/internal/engine"
	"github.com/nkkko/ruleflow/internal/logging"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing engine and HTTP API",
		Long: `Run the routing engine. Routes listed in the configuration are imported
into the route store at start-up; events are accepted on POST /api/v1/events.

Example:
  ruleflow serve --config ruleflow.yaml
  RULEFLOW_LOG_LEVEL=debug ruleflow serve --addr :9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}

			eng, err := engine.CreateEngine(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create engine", err)
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.Component("cli")
			runErr := eng.Start(ctx)
			if runErr != nil {
				logger.Error().Err(runErr).Msg("Engine failed")
			}
			logger.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := eng.Shutdown(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}

			if runErr != nil {
				return WrapExitError(ExitFailure, "engine error", runErr)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", time.Minute, "upper bound on graceful shutdown")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
