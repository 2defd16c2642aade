package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/catalog"
	"github.com/rxd90/CommandBridge/internal/platform/clock"
	"github.com/rxd90/CommandBridge/internal/platform/config"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

type stores struct {
	audit   audit.Store
	users   registry.Store
	watcher *registry.FileWatcher
	db      *sql.DB
}

func (s *stores) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStores picks Postgres when a database is configured and the in-memory
// stores otherwise. With a database the users file only seeds the table; without
// one it is the live, read-only registry and is watched for changes.
func openStores(ctx context.Context, cfg config.Config, clk clock.Clock, cat *catalog.Catalog, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("audit: no database configured, using in-memory stores")
		s := &stores{audit: audit.NewInMemoryStore(clk)}
		mem := registry.NewInMemoryStore(clk)
		s.users = mem
		if cfg.UsersFile == "" {
			logger.Warn("registry: no users file configured, every caller is denied")
			return s, nil
		}
		s.watcher = registry.NewFileWatcher(cfg.UsersFile, mem, cat.ValidRole, logger)
		if err := s.watcher.Reload(); err != nil {
			return nil, fmt.Errorf("load users file: %w", err)
		}
		return s, nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	auditStore := audit.NewPostgresStore(db, clk)
	users := registry.NewPostgresStore(db, clk)
	for _, m := range []interface{ Migrate(context.Context) error }{auditStore, users} {
		if err := m.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if cfg.UsersFile != "" {
		if err := seedUsers(ctx, users, cfg.UsersFile, cat.ValidRole); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("registry: seeded users", slog.String("path", cfg.UsersFile))
	}
	return &stores{audit: auditStore, users: users, db: db}, nil
}

type upserter interface {
	Upsert(ctx context.Context, u registry.User, by string) error
}

func seedUsers(ctx context.Context, dst upserter, path string, validRole func(string) bool) error {
	users, err := registry.LoadUsersFile(path, validRole)
	if err != nil {
		return fmt.Errorf("load users file: %w", err)
	}
	for _, u := range users {
		if err := dst.Upsert(ctx, u, "seed:"+path); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
	}
	return nil
}
