package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/renewal/pkg/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, m := range postgres.Migrations() {
					fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", m.Version, m.Description)
				}
				return nil
			}

			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			if cfg.Storage.Type != "postgres" {
				return fmt.Errorf("migrate requires postgres storage, got %q", cfg.Storage.Type)
			}

			db, err := openPostgres(cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return postgres.RunMigrations(cmd.Context(), db.Primary(), logger)
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print the known migrations without connecting")
	return cmd
}
