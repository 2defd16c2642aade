package awsops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
)

const (
	defaultExportRecords = 10000
	maxExportRecords     = 50000
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]+[a-z0-9]$`)

// exportBound accepts unix seconds, RFC 3339 or a bare YYYY-MM-DD date.
func exportBound(p executor.Params, key string, endOfDay bool) (int64, error) {
	raw, err := p.String(key, "")
	if err != nil {
		if n, ierr := p.Int(key, 0); ierr == nil {
			return n, nil
		}
		return 0, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Second).Unix(), nil
		}
		return t.Unix(), nil
	}
	return 0, fmt.Errorf("%w: %s must be unix seconds, RFC 3339 or YYYY-MM-DD", executor.ErrInvalidParams, key)
}

func (s *Set) exportAuditLog(ctx context.Context, p executor.Params) (executor.Result, error) {
	if s.Audit == nil {
		return nil, fmt.Errorf("audit store not configured")
	}
	defaultBucket := s.ExportBucket
	if defaultBucket == "" {
		defaultBucket = defaultExportBucket
	}
	bucket, err := p.String("bucket", defaultBucket)
	if err != nil {
		return nil, err
	}
	if !bucketNamePattern.MatchString(bucket) {
		return nil, fmt.Errorf("%w: invalid S3 bucket name", executor.ErrInvalidParams)
	}
	maxRecords, err := p.Int("max_records", defaultExportRecords)
	if err != nil {
		maxRecords = defaultExportRecords
	}
	if maxRecords > maxExportRecords {
		maxRecords = maxExportRecords
	}
	if maxRecords < 1 {
		maxRecords = 1
	}
	start, err := exportBound(p, "start_date", false)
	if err != nil {
		return nil, err
	}
	end, err := exportBound(p, "end_date", true)
	if err != nil {
		return nil, err
	}

	records, truncated, err := s.Audit.Export(ctx, audit.ExportFilter{Start: start, End: end, Max: int(maxRecords)})
	if err != nil {
		return nil, fmt.Errorf("read audit records: %w", err)
	}
	public := make([]audit.Record, 0, len(records))
	for _, r := range records {
		public = append(public, r.Public())
	}
	body, err := json.Marshal(public)
	if err != nil {
		return nil, fmt.Errorf("encode audit export: %w", err)
	}

	key := fmt.Sprintf("audit-exports/audit-%s.json", s.now().Format("20060102-150405"))
	if _, err := s.Clients.Objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return nil, fmt.Errorf("put audit export: %w", err)
	}

	message := fmt.Sprintf("Exported %d audit records to s3://%s/%s", len(public), bucket, key)
	if truncated {
		message += fmt.Sprintf(" (capped at %d records)", maxRecords)
	}
	return success(message, executor.Result{
		"record_count": len(public),
		"s3_key":       key,
		"truncated":    truncated,
	}), nil
}
