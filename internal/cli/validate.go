package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nkkko/ruleflow/internal/adaptor"
	"github.com/nkkko/ruleflow/internal/config"
	"github.com/nkkko/ruleflow/internal/distribution"
	"github.com/nkkko/ruleflow/internal/notifier"
	"github.com/nkkko/ruleflow/internal/rules"
	"github.com/nkkko/ruleflow/internal/timeout"
)

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration without starting anything",
		Long: `Load the configuration, build every adaptor, route rule and system rule,
and report the first problems found. Nothing is started and no store is
opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}

			if err := validate(cfg); err != nil {
				return WrapExitError(ExitFailure, "configuration is invalid", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d adaptors, %d routes, %d system rules\n",
				len(cfg.Adaptors), len(cfg.Routes), len(cfg.SystemRules))
			return nil
		},
	}
}

func validate(cfg *config.Config) error {
	var errs []error

	var publisher adaptor.Publisher
	if cfg.Notifier.Enabled {
		n := notifier.NewNotifier(cfg.ToNotifierConfig())
		defer n.Shutdown(context.Background())
		publisher = n
	}
	if _, err := adaptor.Build(cfg.Adaptors, publisher); err != nil {
		errs = append(errs, err)
	}

	timeouts := timeout.NewManager(cfg.ToTimeoutConfig(), nil)
	registry := rules.NewRegistry(rules.Dependencies{
		Timeouts:    timeouts,
		Distributor: distribution.NewCoordinator(cfg.ToDistributionConfig()),
	})

	for _, rec := range cfg.Routes {
		rule, err := registry.Build(rec.Rule)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("route %q: %w", rec.Name, err))
		case !rule.Valid():
			errs = append(errs, fmt.Errorf("route %q: %s rule is not fully configured", rec.Name, rule.Type()))
		}
	}
	for i, spec := range cfg.SystemRules {
		rule, err := registry.Build(spec)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("system_rules[%d]: %w", i, err))
		case !rule.Valid():
			errs = append(errs, fmt.Errorf("system_rules[%d]: %s rule is not fully configured", i, rule.Type()))
		}
	}

	return errors.Join(errs...)
}
