package email_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/queue"
	"github.com/ignite/mailgate/internal/sanitize"
	"github.com/ignite/mailgate/internal/secrets"
	"github.com/ignite/mailgate/internal/service/email"
)

// memStore is an in-memory Store for unit testing.
type memStore struct {
	mu         sync.Mutex
	outbox     map[string]*domain.Outbox
	recipients map[string]*domain.Recipient
	events     map[string][]domain.EmailEvent
	logs       map[string][]domain.EmailLog
	idem       map[string]*email.IdempotencyRecord

	createErr error
	// dupWinnerID simulates losing the idempotency insert race to an
	// identical concurrent request: CreateOutbox conflicts once and the
	// stored claim points at the winner's row with the same payload hash.
	dupWinnerID string
}

func newMemStore() *memStore {
	return &memStore{
		outbox:     make(map[string]*domain.Outbox),
		recipients: make(map[string]*domain.Recipient),
		events:     make(map[string][]domain.EmailEvent),
		logs:       make(map[string][]domain.EmailLog),
		idem:       make(map[string]*email.IdempotencyRecord),
	}
}

func (m *memStore) CreateOutbox(_ context.Context, o *domain.Outbox, rcpt *domain.Recipient, claim *email.IdempotencyClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.dupWinnerID != "" && claim != nil {
		m.idem[o.CompanyID+"/"+claim.Key] = &email.IdempotencyRecord{
			OutboxID: m.dupWinnerID, PayloadHash: claim.PayloadHash, CreatedAt: time.Now().UTC(),
		}
		m.dupWinnerID = ""
		return email.ErrIdempotencyDuplicate
	}
	if rcpt != nil {
		cp := *rcpt
		m.recipients[cp.ID] = &cp
		o.RecipientID = &cp.ID
	}
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	m.outbox[cp.ID] = &cp
	m.events[cp.ID] = append(m.events[cp.ID], domain.EmailEvent{
		OutboxID: cp.ID, Type: domain.EventCreated, Seq: 1, CreatedAt: cp.CreatedAt,
	})
	if claim != nil {
		m.idem[o.CompanyID+"/"+claim.Key] = &email.IdempotencyRecord{
			OutboxID: cp.ID, PayloadHash: claim.PayloadHash, CreatedAt: cp.CreatedAt,
		}
	}
	return nil
}

func (m *memStore) ReadIdempotency(_ context.Context, companyID, key string) (*email.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[companyID+"/"+key]
	if !ok {
		return nil, email.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) MarkEnqueued(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok {
		return email.ErrNotFound
	}
	if o.Status == domain.StatusPending {
		o.Status = domain.StatusEnqueued
		m.events[id] = append(m.events[id], domain.EmailEvent{
			OutboxID: id, Type: domain.EventEnqueued, Seq: int64(len(m.events[id]) + 1),
		})
	}
	return nil
}

func (m *memStore) Get(_ context.Context, companyID, id string) (*domain.Outbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok || o.CompanyID != companyID {
		return nil, email.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) Events(_ context.Context, id string) ([]domain.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EmailEvent(nil), m.events[id]...), nil
}

func (m *memStore) Logs(_ context.Context, id string) ([]domain.EmailLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EmailLog(nil), m.logs[id]...), nil
}

func (m *memStore) GetRecipient(_ context.Context, companyID, id string) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok || r.CompanyID != companyID {
		return nil, email.ErrRecipientNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) List(_ context.Context, companyID string, q email.ListQuery) (*email.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.Outbox
	for _, o := range m.outbox {
		if o.CompanyID == companyID {
			items = append(items, *o)
		}
	}
	return &email.ListResult{Items: items, Total: len(items)}, nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []*queue.Envelope
	err  error
}

func (m *memQueue) Enqueue(_ context.Context, env *queue.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, env)
	return nil
}

func (m *memQueue) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memBodies struct {
	mu    sync.Mutex
	htmls map[string][]byte
	atts  int
}

func newMemBodies() *memBodies { return &memBodies{htmls: make(map[string][]byte)} }

func (m *memBodies) PutHTML(_ context.Context, companyID, outboxID string, html []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "s3://bodies/html/" + companyID + "/" + outboxID + ".html"
	m.htmls[ref] = html
	return ref, nil
}

func (m *memBodies) PutAttachment(_ context.Context, _, _ string, _ sanitize.AttachmentInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.atts++
	return nil
}

type allowAll struct {
	domainErr    error
	recipientErr error
}

func (a *allowAll) CheckRecipients(_ context.Context, _ *domain.Company, _ []string) error {
	return a.recipientErr
}
func (a *allowAll) CheckDomain(_ context.Context, _ *domain.Company) error { return a.domainErr }

func testCompany() *domain.Company {
	return &domain.Company{ID: "11111111-1111-1111-1111-111111111111", Approval: domain.ApprovalApproved}
}

func testCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.NewCipher(&secrets.KeyRing{Active: 1, Keys: map[string]string{"1": "test-master-key"}})
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	return c
}

func newTestService(t *testing.T, store email.Store, q email.Enqueuer, bodies email.BodyStore, adm email.Admission) *email.Service {
	t.Helper()
	return email.NewService(store, q, bodies, adm, sanitize.NewHTMLPolicy(), testCipher(t), email.ServiceConfig{
		InlineHTMLMax: 1024,
	})
}

func validInput() *email.SendInput {
	return &email.SendInput{
		To:      "user@example.com",
		Subject: "invoice ready",
		HTML:    "<p>hello</p>",
	}
}

func TestIngestHappyPath(t *testing.T) {
	store, q := newMemStore(), &memQueue{}
	svc := newTestService(t, store, q, newMemBodies(), &allowAll{})

	r, err := svc.Ingest(context.Background(), testCompany(), validInput())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if r.OutboxID == "" || r.JobID != r.OutboxID {
		t.Fatalf("jobId must equal outboxId, got %q / %q", r.JobID, r.OutboxID)
	}
	if r.Status != domain.StatusEnqueued {
		t.Fatalf("expected ENQUEUED, got %s", r.Status)
	}
	if q.count() != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", q.count())
	}
	if q.jobs[0].Priority != queue.DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", queue.DefaultPriority, q.jobs[0].Priority)
	}
	o := store.outbox[r.OutboxID]
	if o == nil {
		t.Fatal("outbox row missing")
	}
	if o.Status != domain.StatusEnqueued {
		t.Fatalf("outbox should be ENQUEUED, got %s", o.Status)
	}
	if len(store.events[r.OutboxID]) != 2 {
		t.Fatalf("expected CREATED+ENQUEUED events, got %d", len(store.events[r.OutboxID]))
	}
}

func TestIngestValidation(t *testing.T) {
	svc := newTestService(t, newMemStore(), &memQueue{}, newMemBodies(), &allowAll{})

	cases := []struct {
		name string
		mut  func(*email.SendInput)
	}{
		{"missing to", func(in *email.SendInput) { in.To = "" }},
		{"bad to", func(in *email.SendInput) { in.To = "not-an-email" }},
		{"empty subject", func(in *email.SendInput) { in.Subject = "" }},
		{"long subject", func(in *email.SendInput) { in.Subject = strings.Repeat("x", 151) }},
		{"crlf subject", func(in *email.SendInput) { in.Subject = "hi\r\nBcc: evil@x.com" }},
		{"missing html", func(in *email.SendInput) { in.HTML = "" }},
		{"six cc", func(in *email.SendInput) {
			in.CC = []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com", "f@x.com"}
		}},
		{"bad header", func(in *email.SendInput) { in.Headers = map[string]string{"X-Evil": "1"} }},
		{"long header value", func(in *email.SendInput) {
			in.Headers = map[string]string{"X-Custom-Big": strings.Repeat("v", 257)}
		}},
		{"crlf header value", func(in *email.SendInput) {
			in.Headers = map[string]string{"X-Custom-Track": "abc\r\nBcc: attacker@evil.example"}
		}},
		{"control char header value", func(in *email.SendInput) {
			in.Headers = map[string]string{"X-Custom-Track": "a\x00b"}
		}},
		{"crlf header name", func(in *email.SendInput) {
			in.Headers = map[string]string{"X-Custom-A\r\nBcc": "x"}
		}},
		{"colon header name", func(in *email.SendInput) {
			in.Headers = map[string]string{"X-Custom-A:Bcc": "x"}
		}},
		{"six tags", func(in *email.SendInput) {
			in.Tags = []string{"a", "b", "c", "d", "e", "f"}
		}},
		{"long tag", func(in *email.SendInput) { in.Tags = []string{strings.Repeat("t", 33)} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mut(in)
			_, err := svc.Ingest(context.Background(), testCompany(), in)
			var de *domain.Error
			if !errors.As(err, &de) || de.Category != domain.CategoryValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestIngestBoundaryAccepts(t *testing.T) {
	svc := newTestService(t, newMemStore(), &memQueue{}, newMemBodies(), &allowAll{})

	in := validInput()
	in.Subject = strings.Repeat("s", 150)
	in.CC = []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com"}
	in.Headers = map[string]string{"X-Custom-Ref": "abc", "X-Priority": "1"}
	in.Tags = []string{"billing", "urgent"}
	if _, err := svc.Ingest(context.Background(), testCompany(), in); err != nil {
		t.Fatalf("boundary input rejected: %v", err)
	}
}

func TestIngestHTMLTooLarge(t *testing.T) {
	store, q := newMemStore(), &memQueue{}
	svc := email.NewService(store, q, newMemBodies(), &allowAll{}, sanitize.NewHTMLPolicy(), testCipher(t),
		email.ServiceConfig{MaxHTMLBytes: 1 << 20})

	in := validInput()
	in.HTML = strings.Repeat("a", (1<<20)+1)
	_, err := svc.Ingest(context.Background(), testCompany(), in)
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodePayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestIngestSanitizesHTML(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &memQueue{}, newMemBodies(), &allowAll{})

	in := validInput()
	in.HTML = `<p onclick="x()">ok</p><script>alert(1)</script>`
	r, err := svc.Ingest(context.Background(), testCompany(), in)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got := store.outbox[r.OutboxID].HTMLRef
	if strings.Contains(got, "script") || strings.Contains(got, "onclick") {
		t.Fatalf("persisted html not sanitized: %q", got)
	}
}

func TestIngestLargeHTMLOffloaded(t *testing.T) {
	store, q, bodies := newMemStore(), &memQueue{}, newMemBodies()
	svc := newTestService(t, store, q, bodies, &allowAll{})

	in := validInput()
	in.HTML = "<p>" + strings.Repeat("big ", 600) + "</p>"
	r, err := svc.Ingest(context.Background(), testCompany(), in)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	o := store.outbox[r.OutboxID]
	if !strings.HasPrefix(o.HTMLRef, domain.HTMLRefScheme) {
		t.Fatalf("expected offloaded ref, got %q", o.HTMLRef)
	}
	if len(bodies.htmls) != 1 {
		t.Fatalf("expected 1 stored body, got %d", len(bodies.htmls))
	}
	if q.jobs[0].HTMLRef != o.HTMLRef {
		t.Fatalf("envelope ref %q != outbox ref %q", q.jobs[0].HTMLRef, o.HTMLRef)
	}
}

func TestIngestInlineHTMLKeptOutOfEnvelope(t *testing.T) {
	store, q := newMemStore(), &memQueue{}
	svc := newTestService(t, store, q, newMemBodies(), &allowAll{})

	r, err := svc.Ingest(context.Background(), testCompany(), validInput())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if q.jobs[0].HTMLRef != queue.InlineHTMLRef {
		t.Fatalf("inline body must not ride in the envelope, got %q", q.jobs[0].HTMLRef)
	}
	if !store.outbox[r.OutboxID].HTMLInline() {
		t.Fatal("small body should be stored inline on the row")
	}
}

func TestIngestIdempotentReplay(t *testing.T) {
	store, q := newMemStore(), &memQueue{}
	svc := newTestService(t, store, q, newMemBodies(), &allowAll{})

	in := validInput()
	in.IdempotencyKey = "key-1"
	first, err := svc.Ingest(context.Background(), testCompany(), in)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	again := validInput()
	again.IdempotencyKey = "key-1"
	second, err := svc.Ingest(context.Background(), testCompany(), again)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.OutboxID != first.OutboxID {
		t.Fatalf("replay returned %s, want %s", second.OutboxID, first.OutboxID)
	}
	if !second.ReceivedAt.Equal(first.ReceivedAt) {
		t.Fatalf("replay receivedAt %v, want original %v", second.ReceivedAt, first.ReceivedAt)
	}
	if q.count() != 1 {
		t.Fatalf("replay must not enqueue again, got %d jobs", q.count())
	}
	if len(store.outbox) != 1 {
		t.Fatalf("replay must not create a second row, got %d", len(store.outbox))
	}
}

func TestIngestIdempotencyConflict(t *testing.T) {
	svc := newTestService(t, newMemStore(), &memQueue{}, newMemBodies(), &allowAll{})

	in := validInput()
	in.IdempotencyKey = "key-1"
	if _, err := svc.Ingest(context.Background(), testCompany(), in); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	changed := validInput()
	changed.IdempotencyKey = "key-1"
	changed.Subject = "different subject"
	_, err := svc.Ingest(context.Background(), testCompany(), changed)
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestIngestIdempotencyInsertRace(t *testing.T) {
	store, q := newMemStore(), &memQueue{}
	svc := newTestService(t, store, q, newMemBodies(), &allowAll{})

	winner := &domain.Outbox{
		ID: "22222222-2222-2222-2222-222222222222", CompanyID: testCompany().ID,
		Status: domain.StatusEnqueued, CreatedAt: time.Now().UTC(),
	}
	store.outbox[winner.ID] = winner

	store.dupWinnerID = winner.ID

	r, err := svc.Ingest(context.Background(), testCompany(), validInputWithKey("key-race"))
	if err != nil {
		t.Fatalf("race resolve: %v", err)
	}
	if r.OutboxID != winner.ID {
		t.Fatalf("race must resolve to the winning row, got %s", r.OutboxID)
	}
}

func validInputWithKey(key string) *email.SendInput {
	in := validInput()
	in.IdempotencyKey = key
	return in
}

func TestIngestEnqueueFailureLeavesPending(t *testing.T) {
	store := newMemStore()
	q := &memQueue{err: errors.New("redis down")}
	svc := newTestService(t, store, q, newMemBodies(), &allowAll{})

	in := validInput()
	in.IdempotencyKey = "key-1"
	_, err := svc.Ingest(context.Background(), testCompany(), in)
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeServiceUnavail {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
	if len(store.outbox) != 1 {
		t.Fatalf("outbox row should survive enqueue failure, got %d rows", len(store.outbox))
	}
	for _, o := range store.outbox {
		if o.Status != domain.StatusPending {
			t.Fatalf("row should stay PENDING, got %s", o.Status)
		}
	}

	// Retrying with the same key completes the enqueue once the queue is back.
	q.err = nil
	r, err := svc.Ingest(context.Background(), testCompany(), validInputWithKey("key-1"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r.Status != domain.StatusEnqueued || q.count() != 1 {
		t.Fatalf("retry should enqueue the pending row, status=%s jobs=%d", r.Status, q.count())
	}
}

func TestIngestFiscalTriple(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &memQueue{}, newMemBodies(), &allowAll{})

	in := validInput()
	in.Recipient = &email.RecipientInput{
		ExternalID: "cust-9", Nome: "Maria Silva", CpfCnpj: "123.456.789-09",
	}
	r, err := svc.Ingest(context.Background(), testCompany(), in)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if r.Recipient == nil || r.Recipient.ExternalID != "cust-9" {
		t.Fatalf("receipt should echo external id, got %+v", r.Recipient)
	}

	o := store.outbox[r.OutboxID]
	if o.RecipientID == nil {
		t.Fatal("outbox should reference the recipient")
	}
	rcpt := store.recipients[*o.RecipientID]
	if rcpt.FiscalHash == "" || len(rcpt.FiscalCipher) == 0 || len(rcpt.FiscalSalt) == 0 {
		t.Fatal("fiscal triple incomplete")
	}
	if strings.Contains(string(rcpt.FiscalCipher), "12345678909") {
		t.Fatal("ciphertext leaks plaintext digits")
	}
}

func TestIngestAdmissionRejections(t *testing.T) {
	adm := &allowAll{domainErr: domain.NewForbidden("sending domain not verified")}
	svc := newTestService(t, newMemStore(), &memQueue{}, newMemBodies(), adm)
	_, err := svc.Ingest(context.Background(), testCompany(), validInput())
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}

	adm = &allowAll{recipientErr: domain.NewValidationError(domain.CodeSuppressed, "recipient suppressed")}
	svc = newTestService(t, newMemStore(), &memQueue{}, newMemBodies(), adm)
	_, err = svc.Ingest(context.Background(), testCompany(), validInput())
	if !errors.As(err, &de) || de.Code != domain.CodeSuppressed {
		t.Fatalf("expected RECIPIENT_SUPPRESSED, got %v", err)
	}
}

func TestListValidation(t *testing.T) {
	svc := newTestService(t, newMemStore(), &memQueue{}, newMemBodies(), &allowAll{})
	off := 10

	_, err := svc.List(context.Background(), testCompany().ID, email.ListFilter{
		Offset: &off, Cursor: email.Cursor{CreatedAt: time.Now(), ID: "x"}.Encode(),
	})
	if err == nil {
		t.Fatal("mixing cursor and offset must fail")
	}

	_, err = svc.List(context.Background(), testCompany().ID, email.ListFilter{PageSize: 101})
	if err == nil {
		t.Fatal("pageSize > 100 must fail")
	}

	_, err = svc.List(context.Background(), testCompany().ID, email.ListFilter{Status: []string{"BOGUS"}})
	if err == nil {
		t.Fatal("unknown status must fail")
	}

	_, err = svc.List(context.Background(), testCompany().ID, email.ListFilter{Cursor: "!!!not-base64!!!"})
	if err == nil {
		t.Fatal("malformed cursor must fail")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	enc := email.Cursor{CreatedAt: at, ID: "abc"}.Encode()
	c, err := email.DecodeCursor(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !c.CreatedAt.Equal(at) || c.ID != "abc" {
		t.Fatalf("round trip mismatch: %+v", c)
	}
}

func TestGetDetail(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, &memQueue{}, newMemBodies(), &allowAll{})

	in := validInput()
	in.Recipient = &email.RecipientInput{ExternalID: "cust-1"}
	r, err := svc.Ingest(context.Background(), testCompany(), in)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	d, err := svc.Get(context.Background(), testCompany().ID, r.OutboxID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Outbox.ID != r.OutboxID || len(d.Events) != 2 || d.Recipient == nil {
		t.Fatalf("detail incomplete: events=%d recipient=%v", len(d.Events), d.Recipient)
	}

	_, err = svc.Get(context.Background(), testCompany().ID, "99999999-9999-9999-9999-999999999999")
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeOutboxNotFound {
		t.Fatalf("expected OUTBOX_NOT_FOUND, got %v", err)
	}
}
