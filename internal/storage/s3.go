// Package storage is the S3 body store. Ingestion offloads HTML bodies that
// exceed the inline threshold and any attachments here; the worker resolves
// s3:// references back to bytes at dispatch time. The sweeper also writes
// DLQ overflow archives through this package before trimming the table.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/sanitize"
)

// ErrNotFound reports that a referenced object no longer exists in the
// bucket. The worker treats a missing body as a permanent job failure.
var ErrNotFound = errors.New("storage: object not found")

// API is the slice of the S3 client this package uses. *s3.Client satisfies
// it; tests substitute an in-memory fake.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store persists email bodies, attachments, and DLQ archives in one bucket.
type Store struct {
	client API
	bucket string
}

// New loads the ambient AWS config and returns a store bound to bucket.
func New(ctx context.Context, bucket, region string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for body store: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket), nil
}

// NewWithClient wraps an existing client, for callers that share AWS config.
func NewWithClient(client API, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func htmlKey(companyID, outboxID string) string {
	return fmt.Sprintf("html/%s/%s.html", companyID, outboxID)
}

func attachmentKey(companyID, outboxID, filename string) string {
	// path.Base strips any directory components a hostile filename carries.
	return fmt.Sprintf("attachments/%s/%s/%s", companyID, outboxID, path.Base(filename))
}

func archiveKey(date time.Time) string {
	return fmt.Sprintf("dlq-archive/%s.jsonl", date.UTC().Format("2006-01-02"))
}

// PutHTML stores a sanitized HTML body and returns its s3:// reference.
func (s *Store) PutHTML(ctx context.Context, companyID, outboxID string, html []byte) (string, error) {
	key := htmlKey(companyID, outboxID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(html),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject %s/%s: %w", s.bucket, key, err)
	}
	return domain.HTMLRefScheme + s.bucket + "/" + key, nil
}

// PutAttachment stores one validated attachment under the outbox row's prefix.
func (s *Store) PutAttachment(ctx context.Context, companyID, outboxID string, att sanitize.AttachmentInput) error {
	key := attachmentKey(companyID, outboxID, att.Filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(att.Content),
		ContentType: aws.String(att.ContentType),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// GetHTML resolves an s3:// reference produced by PutHTML. The bucket comes
// from the reference itself so old rows survive a bucket migration.
func (s *Store) GetHTML(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}
	return body, nil
}

// ArchiveDLQ appends entries as JSON lines to the day's archive object and
// returns its key. Read-modify-write is safe here: the caller serializes
// archive runs through the sweep lock.
func (s *Store) ArchiveDLQ(ctx context.Context, date time.Time, entries []*domain.DLQEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	key := archiveKey(date)

	var buf bytes.Buffer
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		if _, cerr := io.Copy(&buf, resp.Body); cerr != nil {
			resp.Body.Close()
			return "", fmt.Errorf("reading existing archive %s: %w", key, cerr)
		}
		resp.Body.Close()
	} else if !isNotFound(err) {
		return "", fmt.Errorf("S3 GetObject %s/%s: %w", s.bucket, key, err)
	}

	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("encoding DLQ entry %s: %w", e.JobID, err)
		}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("S3 PutObject %s/%s: %w", s.bucket, key, err)
	}

	logger.Info("archived DLQ entries",
		"key", key, "entries", len(entries), "bytes", buf.Len())
	return key, nil
}

func parseRef(ref string) (bucket, key string, err error) {
	if !strings.HasPrefix(ref, domain.HTMLRefScheme) {
		return "", "", fmt.Errorf("not an s3 reference: %q", ref)
	}
	rest := strings.TrimPrefix(ref, domain.HTMLRefScheme)
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed s3 reference: %q", ref)
	}
	return rest[:i], rest[i+1:], nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// Disabled stands in when no bucket is configured. Inline bodies still
// work; anything that needs external storage fails loudly.
type Disabled struct{}

func (Disabled) PutHTML(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("storage: no bucket configured")
}

func (Disabled) PutAttachment(context.Context, string, string, sanitize.AttachmentInput) error {
	return errors.New("storage: no bucket configured")
}

func (Disabled) GetHTML(context.Context, string) ([]byte, error) {
	return nil, errors.New("storage: no bucket configured")
}

func (Disabled) ArchiveDLQ(context.Context, time.Time, []*domain.DLQEntry) (string, error) {
	return "", errors.New("storage: no bucket configured")
}
