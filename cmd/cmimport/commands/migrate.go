package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending state database migrations",
		Long: `Create the state database if needed and apply pending schema migrations.

Every command that opens the database migrates it as well; this command is
for preparing the database ahead of a run.`,
		Example: `  cmimport migrate --db /var/lib/cmimport/state.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.HealthCheck(ctx); err != nil {
				return err
			}
			audit(ctx, store, "migrate.applied", opts.dbPath, nil)
			fmt.Printf("Database %s is up to date\n", opts.dbPath)
			return nil
		},
	}
}
