package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Attachment limits.
const (
	MaxAttachments       = 10
	MaxAttachmentBytes   = 10 << 20
	MaxTotalAttachmentBytes = 40 << 20
)

// allowedMIMETypes is the attachment type allow-list: documents, images,
// archives and plain text. Executables and scripts are not on it.
var allowedMIMETypes = map[string]bool{
	"application/pdf": true,

	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"application/vnd.ms-powerpoint":                                           true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":        true,
	"application/vnd.oasis.opendocument.spreadsheet": true,

	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/tiff": true,

	"application/zip":    true,
	"application/gzip":   true,
	"application/x-tar":  true,
	"application/x-7z-compressed": true,

	"text/plain": true,
	"text/csv":   true,
}

// MIMEAllowed reports whether the declared content type may be attached.
func MIMEAllowed(contentType string) bool {
	return allowedMIMETypes[contentType]
}

// AttachmentInput is one attachment as received at ingestion. Content is
// base64 on the wire; encoding/json decodes it into the byte slice.
type AttachmentInput struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// CheckAttachments validates the attachment set against the allow-list and
// size caps. It returns the combined digest recorded on the outbox row:
// sha256 over the per-attachment digests, order independent.
func CheckAttachments(atts []AttachmentInput) (digest string, err error) {
	if len(atts) == 0 {
		return "", nil
	}
	if len(atts) > MaxAttachments {
		return "", fmt.Errorf("too many attachments: %d > %d", len(atts), MaxAttachments)
	}

	total := 0
	sums := make([]string, 0, len(atts))
	for i, a := range atts {
		if !MIMEAllowed(a.ContentType) {
			return "", fmt.Errorf("attachment %d: content type %q not allowed", i, a.ContentType)
		}
		if len(a.Content) == 0 {
			return "", fmt.Errorf("attachment %d: empty content", i)
		}
		if len(a.Content) > MaxAttachmentBytes {
			return "", fmt.Errorf("attachment %d: %d bytes exceeds per-file limit", i, len(a.Content))
		}
		total += len(a.Content)
		s := sha256.Sum256(a.Content)
		sums = append(sums, hex.EncodeToString(s[:]))
	}
	if total > MaxTotalAttachmentBytes {
		return "", fmt.Errorf("attachments total %d bytes exceeds limit", total)
	}

	sort.Strings(sums)
	h := sha256.New()
	for _, s := range sums {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
