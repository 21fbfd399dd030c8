package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Applies the migrations in DB_MIGRATION_FOLDER_PATH up to DB_MIGRATION_VERSION (0 means latest).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		a.addMigrations()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := a.startup.Start(ctx); err != nil {
			return err
		}
		return a.startup.Stop(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
