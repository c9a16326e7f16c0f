package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/sanitize"
)

type fakeS3 struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), contentTypes: make(map[string]string)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := *in.Bucket + "/" + *in.Key
	f.objects[k] = body
	if in.ContentType != nil {
		f.contentTypes[k] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestPutHTMLRef(t *testing.T) {
	fake := newFakeS3()
	st := NewWithClient(fake, "mail-bodies")

	ref, err := st.PutHTML(context.Background(), "co-1", "out-9", []byte("<p>hi</p>"))
	if err != nil {
		t.Fatalf("put html: %v", err)
	}
	if ref != "s3://mail-bodies/html/co-1/out-9.html" {
		t.Errorf("ref = %s", ref)
	}
	if got := string(fake.objects["mail-bodies/html/co-1/out-9.html"]); got != "<p>hi</p>" {
		t.Errorf("stored body = %q", got)
	}
	if ct := fake.contentTypes["mail-bodies/html/co-1/out-9.html"]; !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}

func TestGetHTMLRoundTrip(t *testing.T) {
	fake := newFakeS3()
	st := NewWithClient(fake, "mail-bodies")
	ctx := context.Background()

	ref, err := st.PutHTML(ctx, "co-1", "out-9", []byte("<h1>big body</h1>"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	body, err := st.GetHTML(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "<h1>big body</h1>" {
		t.Errorf("body = %q", body)
	}
}

func TestGetHTMLMissing(t *testing.T) {
	st := NewWithClient(newFakeS3(), "mail-bodies")
	_, err := st.GetHTML(context.Background(), "s3://mail-bodies/html/co-1/gone.html")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetHTMLBadRef(t *testing.T) {
	st := NewWithClient(newFakeS3(), "mail-bodies")
	for _, ref := range []string{"inline", "s3://bucketonly", "s3://bucket/", "http://x/y"} {
		if _, err := st.GetHTML(context.Background(), ref); err == nil {
			t.Errorf("ref %q: expected error", ref)
		}
	}
}

func TestPutAttachmentStripsPath(t *testing.T) {
	fake := newFakeS3()
	st := NewWithClient(fake, "mail-bodies")

	att := sanitize.AttachmentInput{
		Filename:    "../../etc/report.pdf",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.4"),
	}
	if err := st.PutAttachment(context.Background(), "co-1", "out-9", att); err != nil {
		t.Fatalf("put attachment: %v", err)
	}
	if _, ok := fake.objects["mail-bodies/attachments/co-1/out-9/report.pdf"]; !ok {
		t.Errorf("attachment not stored at sanitized key, have %v", keys(fake.objects))
	}
}

func TestArchiveDLQAppends(t *testing.T) {
	fake := newFakeS3()
	st := NewWithClient(fake, "mail-bodies")
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	first := []*domain.DLQEntry{
		{JobID: "job-1", OutboxID: "out-1", CompanyID: "co-1", LastFailureReason: "PROVIDER_REJECTED"},
	}
	second := []*domain.DLQEntry{
		{JobID: "job-2", OutboxID: "out-2", CompanyID: "co-1", LastFailureReason: "TTL_EXPIRED"},
	}

	key, err := st.ArchiveDLQ(ctx, day, first)
	if err != nil {
		t.Fatalf("first archive: %v", err)
	}
	if key != "dlq-archive/2026-03-14.jsonl" {
		t.Errorf("key = %s", key)
	}
	if _, err := st.ArchiveDLQ(ctx, day, second); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	raw := string(fake.objects["mail-bodies/dlq-archive/2026-03-14.jsonl"])
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("archive has %d lines, want 2:\n%s", len(lines), raw)
	}
	if !strings.Contains(lines[0], `"job-1"`) || !strings.Contains(lines[1], `"job-2"`) {
		t.Errorf("lines out of order:\n%s", raw)
	}
}

func TestArchiveDLQEmptyIsNoop(t *testing.T) {
	fake := newFakeS3()
	st := NewWithClient(fake, "mail-bodies")
	key, err := st.ArchiveDLQ(context.Background(), time.Now(), nil)
	if err != nil || key != "" {
		t.Fatalf("empty archive: key=%q err=%v", key, err)
	}
	if len(fake.objects) != 0 {
		t.Error("no object should be written")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
