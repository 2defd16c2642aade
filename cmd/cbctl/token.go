package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rxd90/CommandBridge/internal/platform/auth"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

// newTokenCmd mints bearer tokens for local testing. In production tokens come
// from the upstream identity provider.
func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint bearer tokens signed with the configured keyset",
	}
	var (
		email string
		ttl   time.Duration
		kid   string
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Print a signed token for --email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = registry.NormalizeEmail(email)
			if !registry.ValidEmail(email) {
				return fmt.Errorf("--email must be a valid address")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			ks, err := a.cfg.JWTKeyset()
			if err != nil {
				return err
			}
			if kid != "" {
				if _, ok := ks.Keys[kid]; !ok {
					return fmt.Errorf("kid %q not in keyset %v", kid, ks.KIDs())
				}
				ks.ActiveKID = kid
			}
			tok, exp, err := auth.NewJWTSignerWithKeyset(ks).SignIdentity(email, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s (kid %s)\n", exp.UTC().Format(time.RFC3339), ks.ActiveKID)
			return nil
		},
	}
	mint.Flags().StringVar(&email, "email", "", "caller email placed in the token")
	mint.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	mint.Flags().StringVar(&kid, "kid", "", "sign with this key id instead of the active one")
	cmd.AddCommand(mint)
	return cmd
}
