package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
  id           TEXT COLLATE "C" PRIMARY KEY,
  ts           BIGINT NOT NULL,
  time_bucket  TEXT NOT NULL,
  user_email   TEXT NOT NULL,
  action       TEXT NOT NULL,
  target       TEXT NOT NULL DEFAULT '',
  ticket       TEXT NOT NULL DEFAULT '',
  result       TEXT NOT NULL,
  approved_by  TEXT NOT NULL DEFAULT '',
  claimed_by   TEXT NOT NULL DEFAULT '',
  details      JSONB,
  request_body BYTEA,
  digest       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_user_idx ON audit_records (user_email, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS audit_records_action_idx ON audit_records (action, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS audit_records_bucket_idx ON audit_records (time_bucket, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS audit_records_pending_idx ON audit_records (ts DESC, id DESC) WHERE result = 'requested';
`

const recordColumns = `id, ts, time_bucket, user_email, action, target, ticket, result, approved_by, details, request_body, digest`

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
		return fmt.Errorf("migrate audit schema: %w", err)
	}
	return nil
}

// splitDetails stores the request body as raw bytes so replay sees exactly
// what was submitted; jsonb would normalise whitespace and key order.
func splitDetails(d *Details) ([]byte, []byte, error) {
	if d == nil {
		return nil, nil, nil
	}
	body := []byte(d.RequestBody)
	rest := d.clone()
	rest.RequestBody = nil
	if rest.empty() {
		return nil, body, nil
	}
	raw, err := json.Marshal(rest)
	if err != nil {
		return nil, nil, err
	}
	return raw, body, nil
}

func (s *PostgresStore) Append(ctx context.Context, r *Record) (string, error) {
	if err := prepare(r, s.Clock); err != nil {
		return "", err
	}
	details, body, err := splitDetails(r.Details)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	const q = `
INSERT INTO audit_records (
  id, ts, time_bucket,
  user_email, action, target, ticket,
  result, approved_by,
  details, request_body, digest
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12)
`
	_, err = s.DB.ExecContext(ctx, q,
		r.ID, r.Timestamp, r.TimeBucket,
		r.User, r.Action, r.Target, r.Ticket,
		string(r.Result), r.ApprovedBy,
		nullableJSON(details), body, r.Digest,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("%w: duplicate id %s", ErrConflict, r.ID)
		}
		return "", fmt.Errorf("insert audit record: %w", err)
	}
	return r.ID, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r       Record
		result  string
		details []byte
		body    []byte
	)
	if err := row.Scan(
		&r.ID, &r.Timestamp, &r.TimeBucket,
		&r.User, &r.Action, &r.Target, &r.Ticket,
		&result, &r.ApprovedBy,
		&details, &body, &r.Digest,
	); err != nil {
		return Record{}, err
	}
	r.Result = Result(result)
	if len(details) > 0 {
		r.Details = &Details{}
		if err := json.Unmarshal(details, r.Details); err != nil {
			return Record{}, fmt.Errorf("decode audit details %s: %w", r.ID, err)
		}
	}
	if len(body) > 0 {
		if r.Details == nil {
			r.Details = &Details{}
		}
		r.Details.RequestBody = json.RawMessage(body)
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_records WHERE id = $1`
	r, err := scanRecord(s.DB.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get audit record: %w", err)
	}
	return r, nil
}

// missingOrConflict classifies a compare-and-set that touched no rows.
func (s *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM audit_records WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check audit record: %w", err)
	}
	return ErrConflict
}

func (s *PostgresStore) Claim(ctx context.Context, id, approver string) error {
	const q = `
UPDATE audit_records
SET claimed_by = $2
WHERE id = $1 AND result = 'requested' AND claimed_by = ''
`
	res, err := s.DB.ExecContext(ctx, q, id, approver)
	if err != nil {
		return fmt.Errorf("claim audit record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("claim audit record: %w", err)
	} else if n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, id, approver string) error {
	const q = `
UPDATE audit_records
SET claimed_by = ''
WHERE id = $1 AND claimed_by = $2
`
	res, err := s.DB.ExecContext(ctx, q, id, approver)
	if err != nil {
		return fmt.Errorf("release audit record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("release audit record: %w", err)
	} else if n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Result, approvedBy string) error {
	const q = `
UPDATE audit_records
SET result = $3, approved_by = $4
WHERE id = $1 AND result = $2
`
	res, err := s.DB.ExecContext(ctx, q, id, string(from), string(to), approvedBy)
	if err != nil {
		return fmt.Errorf("transition audit record: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("transition audit record: %w", err)
	} else if n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

func cursorArgs(c *cursor) (int64, string) {
	if c == nil {
		return 0, ""
	}
	return c.TS, c.ID
}

func (s *PostgresStore) QueryByUser(ctx context.Context, user string, limit int, raw string) (Page, error) {
	limit = NormalizeLimit(limit)
	ts, id := cursorArgs(decodeCursor(raw))
	q := `SELECT ` + recordColumns + `
FROM audit_records
WHERE user_email = $1 AND ($3::text = '' OR (ts, id) < ($2::bigint, $3::text))
ORDER BY ts DESC, id DESC
LIMIT $4`
	recs, err := s.queryRecords(ctx, q, user, ts, id, limit+1)
	if err != nil {
		return Page{}, err
	}
	return paginateFlat(recs, limit), nil
}

func (s *PostgresStore) QueryByAction(ctx context.Context, action string, limit int, raw string) (Page, error) {
	limit = NormalizeLimit(limit)
	ts, id := cursorArgs(decodeCursor(raw))
	q := `SELECT ` + recordColumns + `
FROM audit_records
WHERE action = $1 AND ($3::text = '' OR (ts, id) < ($2::bigint, $3::text))
ORDER BY ts DESC, id DESC
LIMIT $4`
	recs, err := s.queryRecords(ctx, q, action, ts, id, limit+1)
	if err != nil {
		return Page{}, err
	}
	return paginateFlat(recs, limit), nil
}

func (s *PostgresStore) QueryRecent(ctx context.Context, limit int, raw string) (Page, error) {
	limit = NormalizeLimit(limit)
	q := `SELECT ` + recordColumns + `
FROM audit_records
WHERE time_bucket = $1 AND ($3::text = '' OR (ts, id) < ($2::bigint, $3::text))
ORDER BY ts DESC, id DESC
LIMIT $4`
	scan := func(ctx context.Context, bucket string, after *cursor, n int) ([]Record, error) {
		ts, id := cursorArgs(after)
		return s.queryRecords(ctx, q, bucket, ts, id, n)
	}
	return paginateBuckets(ctx, scan, BucketFor(s.Clock.Now().Unix()), limit, raw)
}

func (s *PostgresStore) QueryPending(ctx context.Context, limit int) ([]Record, error) {
	limit = NormalizeLimit(limit)
	q := `SELECT ` + recordColumns + `
FROM audit_records
WHERE result = 'requested'
ORDER BY ts DESC, id DESC
LIMIT $1`
	return s.queryRecords(ctx, q, limit)
}

func (s *PostgresStore) Export(ctx context.Context, f ExportFilter) ([]Record, bool, error) {
	n := f.Max
	if n <= 0 {
		n = 1 << 20
	}
	q := `SELECT ` + recordColumns + `
FROM audit_records
WHERE ($1::bigint = 0 OR ts >= $1::bigint) AND ($2::bigint = 0 OR ts <= $2::bigint)
ORDER BY ts DESC, id DESC
LIMIT $3`
	recs, err := s.queryRecords(ctx, q, f.Start, f.End, n+1)
	if err != nil {
		return nil, false, err
	}
	if len(recs) > n {
		return recs[:n], true, nil
	}
	return recs, false, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
