package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runtime, err := loadRuntime(ctx, root)
			if err != nil {
				return err
			}
			client, dialect, err := openPersistence(runtime.Config.Persistence)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := migrate(ctx, client, dialect); err != nil {
				return err
			}
			runtime.Logger.Info("migrations applied", "dialect", dialect)
			return nil
		},
	}
}
