package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

func newUsersCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Work with the users registry file",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "users file (defaults to CB_USERS_FILE)")

	load := func() ([]registry.User, string, error) {
		path := file
		if path == "" {
			path = a.cfg.UsersFile
		}
		if path == "" {
			return nil, "", fmt.Errorf("users file is required (--file or CB_USERS_FILE)")
		}
		c, err := a.catalog("")
		if err != nil {
			return nil, "", err
		}
		users, err := registry.LoadUsersFile(path, c.ValidRole)
		return users, path, err
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Parse the users file against the catalog roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, path, err := load()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EMAIL\tROLE\tTEAM\tACTIVE")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", u.Email, u.Role, u.Team, u.Active)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s ok: %d users\n", path, len(users))
			return nil
		},
	}

	var dbURL string
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert every user in the file into the Postgres registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			users, path, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := a.openDB(ctx, dbURL)
			if err != nil {
				return err
			}
			defer db.Close()
			store := registry.NewPostgresStore(db, clock.RealClock{})
			for _, u := range users {
				if err := store.Upsert(ctx, u, "seed:"+path); err != nil {
					return fmt.Errorf("seed user %s: %w", u.Email, err)
				}
			}
			fmt.Fprintf(a.out, "seeded %d users from %s\n", len(users), path)
			return nil
		},
	}
	seed.Flags().StringVar(&dbURL, "database-url", "", "postgres url (defaults to CB_DATABASE_URL)")

	cmd.AddCommand(validate, seed)
	return cmd
}
