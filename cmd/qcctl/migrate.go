package main

import (
	"fmt"

	"github.com/kursadbilgin/qc-engine/internal/infra/postgresql/migrations"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			if err := migrations.Migrate(env.db); err != nil {
				return fmt.Errorf("database migrations failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	return cmd
}
