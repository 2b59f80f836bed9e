package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tradieflow/internal/config"
	"tradieflow/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.InitLogger(cfg); err != nil {
			return err
		}
		logger := logrus.StandardLogger()

		db, err := database.Open(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(db) }()

		if err := database.Migrate(db); err != nil {
			return err
		}
		logger.Info("migration completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
