package main

import (
	"github.com/relaynet/chain-relayer/internal/store/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the transactions/relayers schema to Postgres",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate()
		},
	}
}

func runMigrate() error {
	d, err := wireCore()
	if err != nil {
		return err
	}
	defer func() { _ = d.log.Sync() }()

	if err := postgres.Migrate(d.txStore); err != nil {
		return err
	}
	d.log.Info("schema applied")
	return nil
}
