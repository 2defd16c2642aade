package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/rxd90/CommandBridge/internal/platform/catalog"
	"github.com/rxd90/CommandBridge/internal/platform/config"
)

type app struct {
	out     io.Writer
	envFile string
	cfg     config.Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "cbctl",
		Short:         "Operator tooling for the CommandBridge action service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.AddCommand(
		newCatalogCmd(a),
		newMigrateCmd(a),
		newUsersCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) catalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		path = a.cfg.CatalogFile
	}
	return catalog.Load(path)
}

func (a *app) openDB(ctx context.Context, url string) (*sql.DB, error) {
	if url == "" {
		url = a.cfg.DatabaseURL
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("database url is required (--database-url or CB_DATABASE_URL)")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
