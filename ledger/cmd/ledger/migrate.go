package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arenaledger/arena-stack/ledger/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the ledger database schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
	}
	connString := cfg.Database.Postgres.ConnString()

	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	switch action {
	case "up":
		if err := migrations.Up(connString); err != nil {
			return err
		}
		logger.Info("Database migrations applied")
	case "down":
		if err := migrations.Down(connString); err != nil {
			return err
		}
		logger.Info("Database migrations rolled back")
	case "version":
		v, dirty, err := migrations.Version(connString)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
	}
	return nil
}
