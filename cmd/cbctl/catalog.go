package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/executor/awsops"
	"github.com/rxd90/CommandBridge/internal/platform/rbac"
)

func newCatalogCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the action catalog",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "catalog file (defaults to CB_CATALOG_FILE, then the embedded catalog)")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the catalog and confirm every action has an executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.catalog(file)
			if err != nil {
				return err
			}
			if _, err := executor.NewRegistry(c, (&awsops.Set{}).Executors(), 0); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "catalog ok: %d roles, %d actions\n", len(c.Roles()), len(c.Actions()))
			return nil
		},
	}

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List actions, optionally with what a role may do with each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.catalog(file)
			if err != nil {
				return err
			}
			if role != "" && !c.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			var roles []string
			if role != "" {
				roles = []string{role}
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRISK\tTARGET\tCATEGORY\tPERMISSION")
			for _, p := range rbac.NewResolver(c).ListForRole(roles) {
				perm := string(p.Permission)
				if role == "" {
					perm = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Risk, p.Target, p.Category, perm)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&role, "role", "", "show the permission label for this role")

	cmd.AddCommand(check, list)
	return cmd
}
