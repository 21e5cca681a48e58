package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/renewal/pkg/async"
	"github.com/platinummonkey/renewal/pkg/config"
	"github.com/platinummonkey/renewal/pkg/observability"
)

const defaultEnvFile = ".env"

type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "renewald",
		Short: "Recurring subscription billing service",
		Long: `renewald keeps recurring subscriptions in step with the payment provider.

It charges subscriptions when their payment date comes due, retries failed
payments, applies provider webhooks and notifies subscribers of changes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepareEnv(cmd.Flags().Changed("env-file"))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file (overrides "+config.FileEnv+")")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file loaded before configuration")

	cmd.AddCommand(newServeCmd(), newSweepCmd(), newMigrateCmd())
	return cmd
}

// prepareEnv loads the dotenv file and points the config loader at the YAML
// file. A missing default .env is not an error; an explicit one must exist.
func (o *rootOptions) prepareEnv(explicit bool) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
			}
		}
	}
	if o.configFile != "" {
		if err := os.Setenv(config.FileEnv, o.configFile); err != nil {
			return err
		}
	}
	return nil
}

// loadRuntime reads the configuration and builds the process logger
func loadRuntime(cmd *cobra.Command) (*config.Config, *observability.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability.Level(), cmd.ErrOrStderr()).
		WithField("service", cfg.Observability.OTelServiceName)
	async.SetLogger(logger)
	return cfg, logger, nil
}
