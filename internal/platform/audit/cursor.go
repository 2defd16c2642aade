package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// cursor marks the last record returned. Bucket and Floor are only set by
// QueryRecent; Floor is the oldest bucket the scan may visit.
type cursor struct {
	Bucket string `json:"b,omitempty"`
	Floor  string `json:"f,omitempty"`
	TS     int64  `json:"t"`
	ID     string `json:"i"`
}

func (c *cursor) encode() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(raw)
}

// decodeCursor returns nil for anything it cannot fully parse, which callers
// treat as a request for the first page.
func decodeCursor(s string) *cursor {
	if s == "" {
		return nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	if c.ID == "" {
		return nil
	}
	return &c
}

// decodeRecentCursor also rejects cursors whose bucket window was not issued
// against current: the floor must be one or two months back (a page may span
// a month boundary) and the bucket must be the floor or the month after it.
func decodeRecentCursor(s, current string) *cursor {
	c := decodeCursor(s)
	if c == nil {
		return nil
	}
	if !validBucket(c.Bucket) || !validBucket(c.Floor) || c.Bucket > current {
		return nil
	}
	prev := PreviousBucket(current)
	if c.Floor != prev && c.Floor != PreviousBucket(prev) {
		return nil
	}
	if c.Bucket != c.Floor && PreviousBucket(c.Bucket) != c.Floor {
		return nil
	}
	return c
}

// bucketScan returns up to n records of one bucket, newest first, strictly
// older than after when after is non-nil.
type bucketScan func(ctx context.Context, bucket string, after *cursor, n int) ([]Record, error)

// paginateBuckets walks from the cursor's bucket down to its floor, topping up
// the page from the previous bucket when the current one runs out. It looks one
// record ahead so the returned cursor is only set when more records exist.
func paginateBuckets(ctx context.Context, scan bucketScan, current string, limit int, raw string) (Page, error) {
	start := decodeRecentCursor(raw, current)
	if start == nil {
		start = &cursor{Bucket: current, Floor: PreviousBucket(current)}
	}
	bucket := start.Bucket
	var after *cursor
	if start.ID != "" {
		after = start
	}

	out := make([]Record, 0, limit+1)
	for {
		need := limit + 1 - len(out)
		recs, err := scan(ctx, bucket, after, need)
		if err != nil {
			return Page{}, err
		}
		out = append(out, recs...)
		if len(out) > limit {
			out = out[:limit]
			last := out[limit-1]
			next := &cursor{Bucket: last.TimeBucket, Floor: start.Floor, TS: last.Timestamp, ID: last.ID}
			return Page{Entries: out, Cursor: next.encode()}, nil
		}
		if bucket <= start.Floor {
			return Page{Entries: out}, nil
		}
		bucket = PreviousBucket(bucket)
		after = nil
	}
}

// paginateFlat pages a single ordered index with the same look-ahead.
func paginateFlat(recs []Record, limit int) Page {
	if len(recs) <= limit {
		return Page{Entries: recs}
	}
	recs = recs[:limit]
	last := recs[limit-1]
	next := &cursor{TS: last.Timestamp, ID: last.ID}
	return Page{Entries: recs, Cursor: next.encode()}
}
