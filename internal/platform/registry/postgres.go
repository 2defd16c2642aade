package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS registry_users (
  email      TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  role       TEXT NOT NULL,
  team       TEXT NOT NULL DEFAULT '',
  active     BOOLEAN NOT NULL DEFAULT TRUE,
  updated_at TIMESTAMPTZ NOT NULL,
  updated_by TEXT NOT NULL DEFAULT ''
);
`

type PostgresStore struct {
	DB    *sql.DB
	Clock clock.Clock
}

func NewPostgresStore(db *sql.DB, clk clock.Clock) *PostgresStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PostgresStore{DB: db, Clock: clk}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate registry schema: %w", err)
	}
	return nil
}

const userColumns = `email, name, role, team, active, updated_at, updated_by`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	if err := row.Scan(&u.Email, &u.Name, &u.Role, &u.Team, &u.Active, &u.UpdatedAt, &u.UpdatedBy); err != nil {
		return User{}, err
	}
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func (s *PostgresStore) Get(ctx context.Context, email string) (User, error) {
	q := `SELECT ` + userColumns + ` FROM registry_users WHERE email = $1`
	u, err := scanUser(s.DB.QueryRowContext(ctx, q, NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM registry_users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, u User) error {
	const q = `
INSERT INTO registry_users (email, name, role, team, active, updated_at, updated_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := s.DB.ExecContext(ctx, q,
		NormalizeEmail(u.Email), u.Name, u.Role, u.Team, u.Active, s.Clock.Now().UTC(), u.UpdatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Upsert creates or overwrites a user; used when seeding from a users file.
func (s *PostgresStore) Upsert(ctx context.Context, u User, by string) error {
	const q = `
INSERT INTO registry_users (email, name, role, team, active, updated_at, updated_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (email) DO UPDATE SET
  name = EXCLUDED.name,
  role = EXCLUDED.role,
  team = EXCLUDED.team,
  active = EXCLUDED.active,
  updated_at = EXCLUDED.updated_at,
  updated_by = EXCLUDED.updated_by
`
	_, err := s.DB.ExecContext(ctx, q,
		NormalizeEmail(u.Email), u.Name, u.Role, u.Team, u.Active, s.Clock.Now().UTC(), by)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, email string, active bool, by string) (User, error) {
	q := `
UPDATE registry_users SET active = $2, updated_at = $3, updated_by = $4
WHERE email = $1
RETURNING ` + userColumns
	u, err := scanUser(s.DB.QueryRowContext(ctx, q, NormalizeEmail(email), active, s.Clock.Now().UTC(), by))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("set user active: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) SetRole(ctx context.Context, email, role, by string) (User, error) {
	q := `
UPDATE registry_users SET role = $2, updated_at = $3, updated_by = $4
WHERE email = $1
RETURNING ` + userColumns
	u, err := scanUser(s.DB.QueryRowContext(ctx, q, NormalizeEmail(email), role, s.Clock.Now().UTC(), by))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("set user role: %w", err)
	}
	return u, nil
}
