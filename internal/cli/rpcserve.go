package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nkkko/ruleflow/internal/rpc"
)

// NewRPCServeCommand creates the rpc-serve command
func NewRPCServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr, generator string

	cmd := &cobra.Command{
		Use:   "rpc-serve",
		Short: "Run the reference remote process",
		Long: `Serve the execute, alert and generate procedures over JSON-RPC so rpc
adaptors have an endpoint to talk to. execute runs its command with the
configured shell; generate runs the configured generator program.

Example:
  ruleflow rpc-serve --listen :8090 --generator /usr/local/bin/make-product`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}

			serverCfg := cfg.ToRPCServerConfig()
			if addr != "" {
				serverCfg.Addr = addr
			}
			shellCfg := cfg.ToShellConfig()
			if generator != "" {
				shellCfg.GeneratorCommand = generator
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := rpc.NewServer(serverCfg, rpc.NewShellProcedures(shellCfg))
			if err := server.Start(ctx); err != nil {
				return WrapExitError(ExitFailure, "rpc server error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "listen", "", "listen address, overrides rpc_server.addr")
	cmd.Flags().StringVar(&generator, "generator", "", "generator program, overrides rpc_server.generator_command")
	return cmd
}
