package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/clock"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

func newMigrateCmd(a *app) *cobra.Command {
	var dbURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the audit and users tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx, dbURL)
			if err != nil {
				return err
			}
			defer db.Close()
			clk := clock.RealClock{}
			steps := []struct {
				name string
				m    interface{ Migrate(context.Context) error }
			}{
				{"audit", audit.NewPostgresStore(db, clk)},
				{"users", registry.NewPostgresStore(db, clk)},
			}
			for _, s := range steps {
				if err := s.m.Migrate(ctx); err != nil {
					return fmt.Errorf("migrate %s: %w", s.name, err)
				}
				fmt.Fprintf(a.out, "migrated %s\n", s.name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbURL, "database-url", "", "postgres url (defaults to CB_DATABASE_URL)")
	return cmd
}
