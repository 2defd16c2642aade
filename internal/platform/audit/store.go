package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// NormalizeLimit maps non-positive values to DefaultLimit and caps at MaxLimit.
func NormalizeLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Store is the append-only audit ledger. Append is a pure insert; Claim and
// Transition are compare-and-set operations on a requested record.
type Store interface {
	Append(ctx context.Context, r *Record) (string, error)
	Get(ctx context.Context, id string) (Record, error)
	Claim(ctx context.Context, id, approver string) error
	// Release drops a claim held by approver; ErrConflict when approver does
	// not hold it.
	Release(ctx context.Context, id, approver string) error
	Transition(ctx context.Context, id string, from, to Result, approvedBy string) error
	QueryByUser(ctx context.Context, user string, limit int, cursor string) (Page, error)
	QueryByAction(ctx context.Context, action string, limit int, cursor string) (Page, error)
	QueryRecent(ctx context.Context, limit int, cursor string) (Page, error)
	QueryPending(ctx context.Context, limit int) ([]Record, error)
	Export(ctx context.Context, f ExportFilter) ([]Record, bool, error)
	Ping(ctx context.Context) error
}

// ExportFilter bounds a bulk read. Zero Start or End leaves that side open.
type ExportFilter struct {
	Start int64
	End   int64
	Max   int
}

func (f ExportFilter) match(ts int64) bool {
	if f.Start != 0 && ts < f.Start {
		return false
	}
	if f.End != 0 && ts > f.End {
		return false
	}
	return true
}

// prepare fills the store-assigned fields and validates the rest.
func prepare(r *Record, clk clock.Clock) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.User) == "" || strings.TrimSpace(r.Action) == "" || r.Result == "" {
		return fmt.Errorf("%w: user, action and result are required", ErrInvalidRecord)
	}
	if r.Result == ResultRequested && len(r.RequestBody()) == 0 {
		return fmt.Errorf("%w: requested record without request body", ErrInvalidRecord)
	}
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit id: %w", err)
		}
		r.ID = id.String()
	}
	if r.Timestamp == 0 {
		r.Timestamp = clk.Now().Unix()
	}
	r.TimeBucket = BucketFor(r.Timestamp)
	if r.Details.empty() {
		r.Details = nil
	}
	r.Digest = ComputeDigest(*r)
	return nil
}

type memEntry struct {
	rec       Record
	claimedBy string
}

// index keeps entries ordered newest first.
type index []*memEntry

func (ix index) insert(e *memEntry) index {
	i := sort.Search(len(ix), func(i int) bool {
		return before(ix[i].rec.Timestamp, ix[i].rec.ID, e.rec.Timestamp, e.rec.ID)
	})
	ix = append(ix, nil)
	copy(ix[i+1:], ix[i:])
	ix[i] = e
	return ix
}

// after returns the position of the first entry strictly older than c.
func (ix index) after(c *cursor) int {
	if c == nil {
		return 0
	}
	return sort.Search(len(ix), func(i int) bool {
		return before(ix[i].rec.Timestamp, ix[i].rec.ID, c.TS, c.ID)
	})
}

func (ix index) take(c *cursor, n int, keep func(*memEntry) bool) []Record {
	out := make([]Record, 0, n)
	for i := ix.after(c); i < len(ix) && len(out) < n; i++ {
		if keep != nil && !keep(ix[i]) {
			continue
		}
		out = append(out, ix[i].rec.Clone())
	}
	return out
}

type InMemoryStore struct {
	Clock clock.Clock

	mu       sync.Mutex
	byID     map[string]*memEntry
	all      index
	byUser   map[string]index
	byAction map[string]index
	byBucket map[string]index
}

func NewInMemoryStore(clk clock.Clock) *InMemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &InMemoryStore{
		Clock:    clk,
		byID:     make(map[string]*memEntry),
		byUser:   make(map[string]index),
		byAction: make(map[string]index),
		byBucket: make(map[string]index),
	}
}

func (s *InMemoryStore) Append(_ context.Context, r *Record) (string, error) {
	if err := prepare(r, s.Clock); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[r.ID]; dup {
		return "", fmt.Errorf("%w: duplicate id %s", ErrConflict, r.ID)
	}
	e := &memEntry{rec: r.Clone()}
	s.byID[r.ID] = e
	s.all = s.all.insert(e)
	s.byUser[e.rec.User] = s.byUser[e.rec.User].insert(e)
	s.byAction[e.rec.Action] = s.byAction[e.rec.Action].insert(e)
	s.byBucket[e.rec.TimeBucket] = s.byBucket[e.rec.TimeBucket].insert(e)
	return r.ID, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (s *InMemoryStore) Claim(_ context.Context, id, approver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Result != ResultRequested || e.claimedBy != "" {
		return ErrConflict
	}
	e.claimedBy = approver
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, id, approver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.claimedBy != approver {
		return ErrConflict
	}
	e.claimedBy = ""
	return nil
}

func (s *InMemoryStore) Transition(_ context.Context, id string, from, to Result, approvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Result != from {
		return ErrConflict
	}
	e.rec.Result = to
	e.rec.ApprovedBy = approvedBy
	return nil
}

func (s *InMemoryStore) QueryByUser(_ context.Context, user string, limit int, raw string) (Page, error) {
	limit = NormalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateFlat(s.byUser[user].take(decodeCursor(raw), limit+1, nil), limit), nil
}

func (s *InMemoryStore) QueryByAction(_ context.Context, action string, limit int, raw string) (Page, error) {
	limit = NormalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateFlat(s.byAction[action].take(decodeCursor(raw), limit+1, nil), limit), nil
}

func (s *InMemoryStore) QueryRecent(ctx context.Context, limit int, raw string) (Page, error) {
	limit = NormalizeLimit(limit)
	current := BucketFor(s.Clock.Now().Unix())
	s.mu.Lock()
	defer s.mu.Unlock()
	scan := func(_ context.Context, bucket string, after *cursor, n int) ([]Record, error) {
		return s.byBucket[bucket].take(after, n, nil), nil
	}
	return paginateBuckets(ctx, scan, current, limit, raw)
}

func (s *InMemoryStore) QueryPending(_ context.Context, limit int) ([]Record, error) {
	limit = NormalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all.take(nil, limit, func(e *memEntry) bool {
		return e.rec.Result == ResultRequested
	}), nil
}

func (s *InMemoryStore) Export(_ context.Context, f ExportFilter) ([]Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := f.Max
	if n <= 0 {
		n = len(s.all)
	}
	recs := s.all.take(nil, n+1, func(e *memEntry) bool { return f.match(e.rec.Timestamp) })
	if len(recs) > n {
		return recs[:n], true, nil
	}
	return recs, false, nil
}

func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}
