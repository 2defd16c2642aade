package audit

import (
	"encoding/json"
	"errors"
	"time"
)

type Result string

const (
	ResultDenied         Result = "denied"
	ResultRequested      Result = "requested"
	ResultSuccess        Result = "success"
	ResultFailed         Result = "failed"
	ResultApproved       Result = "approved"
	ResultApprovalFailed Result = "approval_failed"
)

var (
	ErrNotFound      = errors.New("audit record not found")
	ErrConflict      = errors.New("audit record state conflict")
	ErrInvalidRecord = errors.New("invalid audit record")
)

const bucketLayout = "2006-01"

type Details struct {
	Justification     string            `json:"justification,omitempty"`
	RequestBody       json.RawMessage   `json:"request_body,omitempty"`
	Error             string            `json:"error,omitempty"`
	ApprovedRequestID string            `json:"approved_request_id,omitempty"`
	Extra             map[string]string `json:"extra,omitempty"`
}

func (d *Details) clone() *Details {
	if d == nil {
		return nil
	}
	out := *d
	if d.RequestBody != nil {
		out.RequestBody = append(json.RawMessage(nil), d.RequestBody...)
	}
	if d.Extra != nil {
		out.Extra = make(map[string]string, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

func (d *Details) empty() bool {
	return d == nil || (d.Justification == "" && len(d.RequestBody) == 0 && d.Error == "" &&
		d.ApprovedRequestID == "" && len(d.Extra) == 0)
}

// Record is one attempt against an action. Only Result and ApprovedBy change
// after Append, and only through Transition.
type Record struct {
	ID         string   `json:"id"`
	Timestamp  int64    `json:"timestamp"`
	TimeBucket string   `json:"time_bucket"`
	User       string   `json:"user"`
	Action     string   `json:"action"`
	Target     string   `json:"target"`
	Ticket     string   `json:"ticket"`
	Result     Result   `json:"result"`
	ApprovedBy string   `json:"approved_by,omitempty"`
	Details    *Details `json:"details,omitempty"`
	Digest     string   `json:"digest"`
}

func (r Record) Clone() Record {
	r.Details = r.Details.clone()
	return r
}

// RequestBody returns the stored original request, nil when none was kept.
func (r Record) RequestBody() json.RawMessage {
	if r.Details == nil {
		return nil
	}
	return r.Details.RequestBody
}

// Public drops the stored request body so list views never expose it.
func (r Record) Public() Record {
	out := r.Clone()
	if out.Details != nil {
		out.Details.RequestBody = nil
		if out.Details.empty() {
			out.Details = nil
		}
	}
	return out
}

type Page struct {
	Entries []Record `json:"entries"`
	Cursor  string   `json:"cursor,omitempty"`
}

// BucketFor is the UTC calendar month of a unix timestamp.
func BucketFor(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(bucketLayout)
}

// PreviousBucket returns the month before b. Malformed input yields "".
func PreviousBucket(b string) string {
	t, err := time.Parse(bucketLayout, b)
	if err != nil {
		return ""
	}
	return t.AddDate(0, -1, 0).Format(bucketLayout)
}

func validBucket(b string) bool {
	_, err := time.Parse(bucketLayout, b)
	return err == nil
}

// before reports whether a sorts after b in newest-first order.
func before(aTS int64, aID string, bTS int64, bID string) bool {
	if aTS != bTS {
		return aTS < bTS
	}
	return aID < bID
}
