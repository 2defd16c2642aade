package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

var auditNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, clk clock.Clock) Store

func appendAt(t *testing.T, s Store, ts time.Time, user, action string, result Result) Record {
	t.Helper()
	r := &Record{
		Timestamp: ts.Unix(),
		User:      user,
		Action:    action,
		Ticket:    "INC-1",
		Result:    result,
	}
	if result == ResultRequested {
		r.Details = &Details{Justification: "because", RequestBody: json.RawMessage(`{"action":"` + action + `"}`)}
	}
	if _, err := s.Append(context.Background(), r); err != nil {
		t.Fatalf("append err: %v", err)
	}
	return *r
}

func collectPages(t *testing.T, limit int, fetch func(cursor string) (Page, error)) []Record {
	t.Helper()
	var out []Record
	cursor := ""
	for i := 0; i < 100; i++ {
		page, err := fetch(cursor)
		if err != nil {
			t.Fatalf("fetch page err: %v", err)
		}
		if len(page.Entries) > limit {
			t.Fatalf("page larger than limit: %d > %d", len(page.Entries), limit)
		}
		out = append(out, page.Entries...)
		if page.Cursor == "" {
			return out
		}
		cursor = page.Cursor
	}
	t.Fatalf("pagination did not terminate")
	return nil
}

func assertNewestFirst(t *testing.T, recs []Record) {
	t.Helper()
	seen := map[string]struct{}{}
	for i, r := range recs {
		if _, dup := seen[r.ID]; dup {
			t.Fatalf("duplicate record %s in pages", r.ID)
		}
		seen[r.ID] = struct{}{}
		if i > 0 && !before(r.Timestamp, r.ID, recs[i-1].Timestamp, recs[i-1].ID) {
			t.Fatalf("records out of order at %d", i)
		}
	}
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("append assigns identity and digest", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		r := &Record{User: "ops@example.com", Action: "pull-logs", Result: ResultSuccess}
		id, err := s.Append(context.Background(), r)
		if err != nil {
			t.Fatalf("append err: %v", err)
		}
		got, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get err: %v", err)
		}
		if got.Timestamp != auditNow.Unix() || got.TimeBucket != "2026-03" {
			t.Fatalf("unexpected time fields: %+v", got)
		}
		if !VerifyDigest(got) {
			t.Fatalf("expected digest to verify")
		}
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got=%v", err)
		}
	})

	t.Run("requested record requires body", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		_, err := s.Append(context.Background(), &Record{User: "ops@example.com", Action: "rotate-secrets", Result: ResultRequested})
		if !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("expected invalid record, got=%v", err)
		}
	})

	t.Run("request body is kept byte for byte", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		body := json.RawMessage("{\"action\":\"rotate-secrets\",  \"target\":\"db\",\"ticket\":\"CHG-9\"}")
		r := &Record{User: "ops@example.com", Action: "rotate-secrets", Result: ResultRequested,
			Details: &Details{Justification: "quarterly", RequestBody: body}}
		id, err := s.Append(context.Background(), r)
		if err != nil {
			t.Fatalf("append err: %v", err)
		}
		got, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get err: %v", err)
		}
		if string(got.RequestBody()) != string(body) {
			t.Fatalf("request body changed: %s", got.RequestBody())
		}
		if got.Details.Justification != "quarterly" || !VerifyDigest(got) {
			t.Fatalf("unexpected details: %+v", got.Details)
		}
	})

	t.Run("claim and transition are compare and set", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		req := appendAt(t, s, auditNow, "ops@example.com", "rotate-secrets", ResultRequested)
		ctx := context.Background()

		if err := s.Claim(ctx, req.ID, "eng@example.com"); err != nil {
			t.Fatalf("first claim err: %v", err)
		}
		if err := s.Claim(ctx, req.ID, "other@example.com"); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on second claim, got=%v", err)
		}
		if err := s.Claim(ctx, "missing", "eng@example.com"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found claim, got=%v", err)
		}
		if err := s.Transition(ctx, req.ID, ResultRequested, ResultApproved, "eng@example.com"); err != nil {
			t.Fatalf("transition err: %v", err)
		}
		if err := s.Transition(ctx, req.ID, ResultRequested, ResultApprovalFailed, "eng@example.com"); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on second transition, got=%v", err)
		}
		if err := s.Transition(ctx, "missing", ResultRequested, ResultApproved, "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found transition, got=%v", err)
		}
		got, err := s.Get(ctx, req.ID)
		if err != nil {
			t.Fatalf("get err: %v", err)
		}
		if got.Result != ResultApproved || got.ApprovedBy != "eng@example.com" {
			t.Fatalf("unexpected record after transition: %+v", got)
		}
		if !VerifyDigest(got) {
			t.Fatalf("transition must not invalidate digest")
		}
	})

	t.Run("release reopens a claim for another approver", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		req := appendAt(t, s, auditNow, "ops@example.com", "failover-region", ResultRequested)
		ctx := context.Background()

		if err := s.Claim(ctx, req.ID, "eng@example.com"); err != nil {
			t.Fatalf("claim err: %v", err)
		}
		if err := s.Release(ctx, req.ID, "other@example.com"); !errors.Is(err, ErrConflict) {
			t.Fatalf("only the holder may release, got=%v", err)
		}
		if err := s.Release(ctx, req.ID, "eng@example.com"); err != nil {
			t.Fatalf("release err: %v", err)
		}
		if err := s.Claim(ctx, req.ID, "other@example.com"); err != nil {
			t.Fatalf("claim after release err: %v", err)
		}
		if err := s.Release(ctx, "missing", "eng@example.com"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found release, got=%v", err)
		}
	})

	t.Run("user and action queries page completely", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		for i := 0; i < 7; i++ {
			appendAt(t, s, auditNow.Add(-time.Duration(i)*time.Hour), "ops@example.com", "pull-logs", ResultSuccess)
			appendAt(t, s, auditNow.Add(-time.Duration(i)*time.Hour), "eng@example.com", "purge-cache", ResultSuccess)
		}
		// Same-second records must still page without loss.
		for i := 0; i < 3; i++ {
			appendAt(t, s, auditNow.Add(-48*time.Hour), "ops@example.com", "pull-logs", ResultDenied)
		}
		ctx := context.Background()
		byUser := collectPages(t, 3, func(c string) (Page, error) { return s.QueryByUser(ctx, "ops@example.com", 3, c) })
		if len(byUser) != 10 {
			t.Fatalf("expected 10 user records, got=%d", len(byUser))
		}
		assertNewestFirst(t, byUser)
		for _, r := range byUser {
			if r.User != "ops@example.com" {
				t.Fatalf("foreign record in user query: %+v", r)
			}
		}
		byAction := collectPages(t, 4, func(c string) (Page, error) { return s.QueryByAction(ctx, "purge-cache", 4, c) })
		if len(byAction) != 7 {
			t.Fatalf("expected 7 action records, got=%d", len(byAction))
		}
		assertNewestFirst(t, byAction)
	})

	t.Run("recent scan covers current and previous bucket only", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		march := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		feb := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
		jan := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 7; i++ {
			appendAt(t, s, march.Add(time.Duration(i)*time.Minute), "ops@example.com", "pull-logs", ResultSuccess)
		}
		for i := 0; i < 5; i++ {
			appendAt(t, s, feb.Add(time.Duration(i)*time.Minute), "ops@example.com", "pull-logs", ResultSuccess)
		}
		for i := 0; i < 3; i++ {
			appendAt(t, s, jan.Add(time.Duration(i)*time.Minute), "ops@example.com", "pull-logs", ResultSuccess)
		}
		ctx := context.Background()
		for _, limit := range []int{1, 3, 7, 12, 50} {
			recs := collectPages(t, limit, func(c string) (Page, error) { return s.QueryRecent(ctx, limit, c) })
			if len(recs) != 12 {
				t.Fatalf("limit %d: expected 12 recent records, got=%d", limit, len(recs))
			}
			assertNewestFirst(t, recs)
			for i, r := range recs {
				want := "2026-03"
				if i >= 7 {
					want = "2026-02"
				}
				if r.TimeBucket != want {
					t.Fatalf("limit %d: record %d in bucket %s, want %s", limit, i, r.TimeBucket, want)
				}
			}
		}
	})

	t.Run("recent window stays anchored across a month boundary", func(t *testing.T) {
		clk := clock.NewFixed(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC))
		s := newStore(t, clk)
		for i := 0; i < 4; i++ {
			appendAt(t, s, time.Date(2026, 3, 31, 23, 0, i, 0, time.UTC), "ops@example.com", "pull-logs", ResultSuccess)
			appendAt(t, s, time.Date(2026, 2, 28, 23, 0, i, 0, time.UTC), "ops@example.com", "pull-logs", ResultSuccess)
		}
		ctx := context.Background()
		first, err := s.QueryRecent(ctx, 3, "")
		if err != nil || first.Cursor == "" {
			t.Fatalf("first page err=%v cursor=%q", err, first.Cursor)
		}
		clk.Set(time.Date(2026, 4, 1, 0, 1, 0, 0, time.UTC))
		rest := collectPages(t, 3, func(c string) (Page, error) {
			if c == "" {
				c = first.Cursor
			}
			return s.QueryRecent(ctx, 3, c)
		})
		if got := len(first.Entries) + len(rest); got != 8 {
			t.Fatalf("expected 8 records across the window, got=%d", got)
		}
	})

	t.Run("pending lists requested only newest first", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		a := appendAt(t, s, auditNow.Add(-2*time.Minute), "ops@example.com", "rotate-secrets", ResultRequested)
		appendAt(t, s, auditNow.Add(-time.Minute), "ops@example.com", "pull-logs", ResultSuccess)
		b := appendAt(t, s, auditNow, "ops@example.com", "maintenance-mode", ResultRequested)
		ctx := context.Background()
		if err := s.Transition(ctx, a.ID, ResultRequested, ResultApproved, "eng@example.com"); err != nil {
			t.Fatalf("transition err: %v", err)
		}
		c := appendAt(t, s, auditNow.Add(-time.Hour), "ops@example.com", "blacklist-ip", ResultRequested)
		pending, err := s.QueryPending(ctx, 50)
		if err != nil {
			t.Fatalf("pending err: %v", err)
		}
		if len(pending) != 2 || pending[0].ID != b.ID || pending[1].ID != c.ID {
			t.Fatalf("unexpected pending list: %+v", pending)
		}
	})

	t.Run("export honours range and cap", func(t *testing.T) {
		s := newStore(t, clock.NewFixed(auditNow))
		for i := 0; i < 5; i++ {
			appendAt(t, s, auditNow.Add(-time.Duration(i)*24*time.Hour), "ops@example.com", "pull-logs", ResultSuccess)
		}
		ctx := context.Background()
		recs, truncated, err := s.Export(ctx, ExportFilter{Start: auditNow.Add(-2 * 24 * time.Hour).Unix()})
		if err != nil || truncated || len(recs) != 3 {
			t.Fatalf("range export: n=%d truncated=%v err=%v", len(recs), truncated, err)
		}
		recs, truncated, err = s.Export(ctx, ExportFilter{Max: 2})
		if err != nil || !truncated || len(recs) != 2 {
			t.Fatalf("capped export: n=%d truncated=%v err=%v", len(recs), truncated, err)
		}
	})
}

func TestInMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(_ *testing.T, clk clock.Clock) Store {
		return NewInMemoryStore(clk)
	})
}

func TestInMemoryConcurrentClaimHasOneWinner(t *testing.T) {
	s := NewInMemoryStore(clock.NewFixed(auditNow))
	req := appendAt(t, s, auditNow, "ops@example.com", "rotate-secrets", ResultRequested)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Claim(context.Background(), req.ID, fmt.Sprintf("eng%d@example.com", i))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected claim err: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one claim winner, got=%d", wins)
	}
}

func TestStoredRecordsAreCopies(t *testing.T) {
	s := NewInMemoryStore(clock.NewFixed(auditNow))
	r := appendAt(t, s, auditNow, "ops@example.com", "rotate-secrets", ResultRequested)
	got, err := s.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	got.Details.RequestBody[0] = 'X'
	got.Result = ResultApproved
	again, _ := s.Get(context.Background(), r.ID)
	if again.Result != ResultRequested || again.RequestBody()[0] != '{' {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}

func TestTamperedCursorIsIgnored(t *testing.T) {
	s := NewInMemoryStore(clock.NewFixed(auditNow))
	for i := 0; i < 3; i++ {
		appendAt(t, s, auditNow.Add(-time.Duration(i)*time.Minute), "ops@example.com", "pull-logs", ResultSuccess)
	}
	ctx := context.Background()
	bad := []string{
		"!!!not-base64",
		base64.URLEncoding.EncodeToString([]byte("not json")),
		base64.URLEncoding.EncodeToString([]byte(`{"b":"garbage","f":"2026-02","t":1,"i":"x"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{"b":"2026-01","f":"2026-02","t":1,"i":"x"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{"b":"2026-03","f":"0001-01","t":1,"i":"x"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{"b":"9999-12","f":"2026-02","t":1,"i":"x"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{"b":"2026-03","f":"2025-12","t":1,"i":"x"}`)),
		base64.URLEncoding.EncodeToString([]byte(`{"b":"2026-03","f":"2026-01","t":1,"i":"x"}`)),
	}
	for _, c := range bad {
		page, err := s.QueryRecent(ctx, 50, c)
		if err != nil {
			t.Fatalf("query with tampered cursor err: %v", err)
		}
		if len(page.Entries) != 3 {
			t.Fatalf("expected tampered cursor to restart at first page, got=%d entries", len(page.Entries))
		}
	}
	page, err := s.QueryByUser(ctx, "ops@example.com", 50, "%%%")
	if err != nil || len(page.Entries) != 3 {
		t.Fatalf("expected first page for bad user cursor, n=%d err=%v", len(page.Entries), err)
	}
}

func TestRecentScanStaysInWindow(t *testing.T) {
	var scanned []string
	scan := func(_ context.Context, bucket string, _ *cursor, _ int) ([]Record, error) {
		scanned = append(scanned, bucket)
		return nil, nil
	}
	forged := (&cursor{Bucket: "2026-03", Floor: "0001-01", TS: 1, ID: "x"}).encode()
	if _, err := paginateBuckets(context.Background(), scan, "2026-03", 10, forged); err != nil {
		t.Fatalf("paginate err: %v", err)
	}
	if len(scanned) != 2 || scanned[0] != "2026-03" || scanned[1] != "2026-02" {
		t.Fatalf("expected a two bucket scan, got=%v", scanned)
	}
}

func TestRecentCursorSurvivesMonthRollover(t *testing.T) {
	issued := (&cursor{Bucket: "2026-02", Floor: "2026-02", TS: 1, ID: "x"}).encode()
	c := decodeRecentCursor(issued, "2026-04")
	if c == nil || c.Floor != "2026-02" {
		t.Fatalf("expected cursor from the previous month to stay valid, got=%+v", c)
	}
	if decodeRecentCursor(issued, "2026-05") != nil {
		t.Fatalf("expected cursor older than the window to be dropped")
	}
}

func TestPublicStripsRequestBody(t *testing.T) {
	r := Record{ID: "1", Details: &Details{RequestBody: json.RawMessage(`{}`), Justification: "why"}}
	pub := r.Public()
	if pub.Details == nil || pub.Details.RequestBody != nil || pub.Details.Justification != "why" {
		t.Fatalf("unexpected public details: %+v", pub.Details)
	}
	if r.Details.RequestBody == nil {
		t.Fatalf("public must not mutate the source record")
	}
	bare := Record{ID: "2", Details: &Details{RequestBody: json.RawMessage(`{}`)}}
	if bare.Public().Details != nil {
		t.Fatalf("expected empty details to be dropped")
	}
}

func TestNormalizeLimit(t *testing.T) {
	cases := map[int]int{0: 50, -4: 50, 1: 1, 200: 200, 500: 200}
	for in, want := range cases {
		if got := NormalizeLimit(in); got != want {
			t.Fatalf("NormalizeLimit(%d)=%d want %d", in, got, want)
		}
	}
}

func TestBuckets(t *testing.T) {
	if got := BucketFor(time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC).Unix()); got != "2026-01" {
		t.Fatalf("unexpected bucket %s", got)
	}
	if got := PreviousBucket("2026-01"); got != "2025-12" {
		t.Fatalf("unexpected previous bucket %s", got)
	}
	if got := PreviousBucket("bad"); got != "" {
		t.Fatalf("expected empty previous for malformed bucket, got=%s", got)
	}
}
