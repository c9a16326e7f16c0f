package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailgate/internal/audit"
	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/repository/postgres"
	"github.com/ignite/mailgate/internal/service/email"
	suppsvc "github.com/ignite/mailgate/internal/service/suppression"
	"github.com/ignite/mailgate/internal/worker"
)

type fakeEmailSvc struct {
	receipt *email.Receipt
	detail  *email.Detail
	page    *email.Page
	fiscal  string

	lastInput *email.SendInput
}

func (f *fakeEmailSvc) Ingest(_ context.Context, _ *domain.Company, in *email.SendInput) (*email.Receipt, error) {
	f.lastInput = in
	return f.receipt, nil
}

func (f *fakeEmailSvc) Get(_ context.Context, _, _ string) (*email.Detail, error) {
	if f.detail == nil {
		return nil, domain.NewNotFound(domain.CodeOutboxNotFound, "email not found")
	}
	return f.detail, nil
}

func (f *fakeEmailSvc) List(_ context.Context, _ string, _ email.ListFilter) (*email.Page, error) {
	return f.page, nil
}

func (f *fakeEmailSvc) RevealFiscal(_ *domain.Recipient) (string, error) {
	return f.fiscal, nil
}

type fakeGateImpl struct {
	company     *domain.Company
	key         string
	approvalErr error
	retryAfter  int
}

func (f *fakeGateImpl) Authenticate(_ context.Context, rawKey string) (*domain.Company, error) {
	if rawKey != f.key {
		return nil, domain.NewUnauthorized("invalid api key")
	}
	return f.company, nil
}

func (f *fakeGateImpl) CheckIP(_ *domain.Company, _ string) error { return nil }

func (f *fakeGateImpl) CheckApproval(_ *domain.Company) error { return f.approvalErr }

func (f *fakeGateImpl) ReserveRate(_ context.Context, _ *domain.Company) (int, error) {
	return f.retryAfter, nil
}

type fakePressure struct{ accepting bool }

func (f *fakePressure) Accepting() bool { return f.accepting }

type fakeBreakGlass struct {
	sessions map[string]*audit.Session
	recorded []string
}

func (f *fakeBreakGlass) Open(_ context.Context, userID, reason, _ string) (string, time.Time, error) {
	if len(reason) < domain.MinBreakGlassReasonLen {
		return "", time.Time{}, domain.NewValidationError(domain.CodeValidationError, "reason too short")
	}
	exp := time.Now().Add(15 * time.Minute)
	if f.sessions == nil {
		f.sessions = map[string]*audit.Session{}
	}
	f.sessions["tok-"+userID] = &audit.Session{UserID: userID, Reason: reason, ExpiresAt: exp}
	return "tok-" + userID, exp, nil
}

func (f *fakeBreakGlass) Verify(token string) (*audit.Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, domain.NewUnauthorized("invalid session token")
	}
	return s, nil
}

func (f *fakeBreakGlass) Record(_ context.Context, s *audit.Session, action, resource, _ string) {
	f.recorded = append(f.recorded, s.UserID+":"+action+":"+resource)
}

type fakeCompanyAdmin struct {
	created   *domain.Company
	companies map[string]*domain.Company
	approvals map[string]domain.ApprovalState
}

func (f *fakeCompanyAdmin) Create(_ context.Context, c *domain.Company) error {
	f.created = c
	return nil
}

func (f *fakeCompanyAdmin) Get(_ context.Context, id string) (*domain.Company, error) {
	c, ok := f.companies[id]
	if !ok {
		return nil, email.ErrNotFound
	}
	return c, nil
}

func (f *fakeCompanyAdmin) List(_ context.Context, _ domain.ApprovalState, _, _ int) ([]domain.Company, error) {
	var out []domain.Company
	for _, c := range f.companies {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeCompanyAdmin) SetApproval(_ context.Context, id string, state domain.ApprovalState) error {
	if f.approvals == nil {
		f.approvals = map[string]domain.ApprovalState{}
	}
	f.approvals[id] = state
	return nil
}

func (f *fakeCompanyAdmin) UpdateSandbox(_ context.Context, _ string, _ bool, _ []string) error {
	return nil
}

func (f *fakeCompanyAdmin) BindDomain(_ context.Context, _, _ string) error { return nil }

type fakeDomainAdmin struct {
	created *domain.SendingDomain
	byID    map[string]*domain.SendingDomain
	checked bool
}

func (f *fakeDomainAdmin) Create(_ context.Context, d *domain.SendingDomain) error {
	f.created = d
	return nil
}

func (f *fakeDomainAdmin) Get(_ context.Context, _, id string) (*domain.SendingDomain, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, email.ErrNotFound
	}
	return d, nil
}

func (f *fakeDomainAdmin) ListByCompany(_ context.Context, _ string) ([]domain.SendingDomain, error) {
	var out []domain.SendingDomain
	for _, d := range f.byID {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDomainAdmin) RecordCheck(_ context.Context, _ *domain.SendingDomain) error {
	f.checked = true
	return nil
}

type fakeChecker struct{ called bool }

func (f *fakeChecker) Check(_ context.Context, d *domain.SendingDomain) {
	f.called = true
	d.Status = domain.DomainVerified
}

type fakePublisher struct {
	record string
	tokens []string
}

func (f *fakePublisher) PublishTXT(_ context.Context, recordName string, tokens []string) error {
	f.record = recordName
	f.tokens = tokens
	return nil
}

type fakeKeyMaterial struct{}

func (fakeKeyMaterial) Apply(d *domain.SendingDomain) {
	d.DKIMSelector = "mg20260101abcd"
	d.DKIMTokens = []string{"v=DKIM1; k=rsa; p=MIIB..."}
	d.DKIMPublicKey = "MIIB..."
	d.DKIMStatus = domain.DKIMPending
}

type fakeEventSink struct {
	outbox   *domain.Outbox
	appended []domain.EventType
	lastMD   domain.EventMetadata
}

func (f *fakeEventSink) GetByProviderMessageID(_ context.Context, messageID string) (*domain.Outbox, error) {
	if f.outbox == nil || f.outbox.ProviderMessageID == nil || *f.outbox.ProviderMessageID != messageID {
		return nil, email.ErrNotFound
	}
	return f.outbox, nil
}

func (f *fakeEventSink) AppendEvent(_ context.Context, _ string, _ *string, typ domain.EventType, md domain.EventMetadata) error {
	f.appended = append(f.appended, typ)
	f.lastMD = md
	return nil
}

type suppressedEntry struct {
	companyID string
	email     string
	reason    domain.SuppressionReason
}

type fakeSuppressionAdmin struct {
	suppressed []suppressedEntry
	removed    []string
}

func (f *fakeSuppressionAdmin) Suppress(_ context.Context, companyID, email string, in suppsvc.SuppressInput) error {
	f.suppressed = append(f.suppressed, suppressedEntry{companyID, email, in.Reason})
	return nil
}

func (f *fakeSuppressionAdmin) SuppressGlobal(_ context.Context, email string, in suppsvc.SuppressInput) error {
	f.suppressed = append(f.suppressed, suppressedEntry{domain.GlobalListCompanyID, email, in.Reason})
	return nil
}

func (f *fakeSuppressionAdmin) Remove(_ context.Context, companyID, email string) error {
	f.removed = append(f.removed, companyID+":"+email)
	return nil
}

func (f *fakeSuppressionAdmin) List(_ context.Context, _ string, _ suppsvc.ListFilter) ([]domain.Suppression, int, error) {
	return nil, 0, nil
}

type fakeDLQAdmin struct {
	entries []domain.DLQEntry
}

func (f *fakeDLQAdmin) List(_ context.Context, _ postgres.DLQFilter) ([]domain.DLQEntry, error) {
	return f.entries, nil
}

func (f *fakeDLQAdmin) Get(_ context.Context, jobID string) (*domain.DLQEntry, error) {
	for i := range f.entries {
		if f.entries[i].JobID == jobID {
			return &f.entries[i], nil
		}
	}
	return nil, email.ErrNotFound
}

type fakeReplayer struct {
	report *worker.ReplayReport
	filter postgres.DLQFilter
}

func (f *fakeReplayer) Replay(_ context.Context, flt postgres.DLQFilter) (*worker.ReplayReport, error) {
	f.filter = flt
	return f.report, nil
}

type testEnv struct {
	srv         *Server
	email       *fakeEmailSvc
	gate        *fakeGateImpl
	pressure    *fakePressure
	breakGlass  *fakeBreakGlass
	companies   *fakeCompanyAdmin
	domains     *fakeDomainAdmin
	checker     *fakeChecker
	publisher   *fakePublisher
	events      *fakeEventSink
	suppression *fakeSuppressionAdmin
	dlq         *fakeDLQAdmin
	replayer    *fakeReplayer
}

func newTestEnv() *testEnv {
	company := &domain.Company{
		ID:          "co-1",
		Name:        "Acme",
		Approval:    domain.ApprovalApproved,
		DefaultFrom: "no-reply@acme.example",
	}
	e := &testEnv{
		email: &fakeEmailSvc{
			receipt: &email.Receipt{OutboxID: "out-1", JobID: "out-1", Status: domain.StatusEnqueued},
			fiscal:  "12345678909",
		},
		gate:        &fakeGateImpl{company: company, key: "mg_live_sekret"},
		pressure:    &fakePressure{accepting: true},
		breakGlass:  &fakeBreakGlass{sessions: map[string]*audit.Session{}},
		companies:   &fakeCompanyAdmin{companies: map[string]*domain.Company{"co-1": company}},
		domains:     &fakeDomainAdmin{byID: map[string]*domain.SendingDomain{}},
		checker:     &fakeChecker{},
		publisher:   &fakePublisher{},
		events:      &fakeEventSink{},
		suppression: &fakeSuppressionAdmin{},
		dlq:         &fakeDLQAdmin{},
		replayer:    &fakeReplayer{report: &worker.ReplayReport{Matched: 2, Replayed: 2}},
	}
	e.srv = NewServer(Deps{
		Email:       e.email,
		Gate:        e.gate,
		Pressure:    e.pressure,
		BreakGlass:  e.breakGlass,
		Companies:   e.companies,
		Domains:     e.domains,
		DomainCheck: e.checker,
		DKIM:        func() (KeyMaterial, error) { return fakeKeyMaterial{}, nil },
		Publisher:   e.publisher,
		Events:      e.events,
		Suppression: e.suppression,
		DLQ:         e.dlq,
		Replayer:    e.replayer,
		AdminToken:  "op-token",
	})
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any, h map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func tenantHeaders() map[string]string {
	return map[string]string{"X-API-Key": "mg_live_sekret"}
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Token": "op-token", "X-Operator-Id": "ops@acme"}
}

func TestSendAccepted(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodPost, "/v1/email/send", map[string]any{
		"to": "dest@example.com", "subject": "hi", "html": "<p>hello</p>",
	}, map[string]string{
		"X-API-Key":       "mg_live_sekret",
		"Idempotency-Key": "idem-1",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, e.email.lastInput)
	assert.Equal(t, "idem-1", e.email.lastInput.IdempotencyKey)
	assert.NotEmpty(t, e.email.lastInput.RequestID)
}

func TestSendAcceptsLegacyIdempotencyHeader(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodPost, "/v1/email/send", map[string]any{
		"to": "dest@example.com", "subject": "hi", "html": "<p>hello</p>",
	}, map[string]string{
		"X-API-Key":         "mg_live_sekret",
		"X-Idempotency-Key": "idem-legacy",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, e.email.lastInput)
	assert.Equal(t, "idem-legacy", e.email.lastInput.IdempotencyKey)
}

func TestSendRequiresAPIKey(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodPost, "/v1/email/send", map[string]any{"to": "a@b.c"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendShedsUnderBackpressure(t *testing.T) {
	e := newTestEnv()
	e.pressure.accepting = false

	rec := e.do(t, http.MethodPost, "/v1/email/send", map[string]any{"to": "a@b.c"}, tenantHeaders())

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSendRateLimited(t *testing.T) {
	e := newTestEnv()
	e.gate.retryAfter = 7

	rec := e.do(t, http.MethodPost, "/v1/email/send", map[string]any{"to": "a@b.c"}, tenantHeaders())

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestGetEmailMasksRecipientByDefault(t *testing.T) {
	e := newTestEnv()
	e.email.detail = &email.Detail{
		Outbox: &domain.Outbox{ID: "out-1", CompanyID: "co-1"},
		Recipient: &domain.Recipient{
			ID:          "rec-1",
			Email:       "maria@example.com",
			DisplayName: "Maria Silva",
			FiscalHash:  "abcdef1234567890",
		},
	}

	rec := e.do(t, http.MethodGet, "/v1/emails/out-1", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp emailDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Recipient)
	assert.True(t, resp.Recipient.Masked)
	assert.Equal(t, "ma***@example.com", resp.Recipient.Email)
	assert.Equal(t, "M*** S***", resp.Recipient.DisplayName)
	assert.Equal(t, "abcdef12***", resp.Recipient.CpfCnpj)
}

func TestGetEmailUnmasksWithBreakGlassAndAudits(t *testing.T) {
	e := newTestEnv()
	e.breakGlass.sessions["tok-ops"] = &audit.Session{
		UserID: "ops@acme", Reason: strings.Repeat("x", 30),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	e.email.detail = &email.Detail{
		Outbox: &domain.Outbox{ID: "out-1", CompanyID: "co-1"},
		Recipient: &domain.Recipient{
			ID:           "rec-1",
			Email:        "maria@example.com",
			DisplayName:  "Maria Silva",
			FiscalHash:   "abcdef1234567890",
			FiscalCipher: []byte{1, 2, 3},
		},
	}

	h := tenantHeaders()
	h["Authorization"] = "Bearer tok-ops"
	rec := e.do(t, http.MethodGet, "/v1/emails/out-1", nil, h)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp emailDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Recipient)
	assert.False(t, resp.Recipient.Masked)
	assert.Equal(t, "maria@example.com", resp.Recipient.Email)
	assert.Equal(t, "12345678909", resp.Recipient.CpfCnpj)

	require.Len(t, e.breakGlass.recorded, 1)
	assert.Equal(t, "ops@acme:pii.unmask:recipient:rec-1", e.breakGlass.recorded[0])
}

func TestListEmailsRejectsBadDate(t *testing.T) {
	e := newTestEnv()
	e.email.page = &email.Page{}

	rec := e.do(t, http.MethodGet, "/v1/emails?dateFrom=yesterday", nil, tenantHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDomainReturnsDNSInstruction(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/domains",
		map[string]string{"name": "Mail.Acme.Example"}, tenantHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NotNil(t, e.domains.created)
	assert.Equal(t, "mail.acme.example", e.domains.created.Name)
	assert.Equal(t, domain.DomainPending, e.domains.created.Status)

	var resp struct {
		DNSRecord dnsInstruction `json:"dnsRecord"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TXT", resp.DNSRecord.Type)
	assert.Contains(t, resp.DNSRecord.Name, "._domainkey.mail.acme.example")
	assert.Equal(t, resp.DNSRecord.Name, e.publisher.record)
}

func TestVerifyDomainRunsProbeAndPersists(t *testing.T) {
	e := newTestEnv()
	e.domains.byID["dom-1"] = &domain.SendingDomain{
		ID: "dom-1", CompanyID: "co-1", Name: "acme.example",
		Status: domain.DomainPending, DKIMSelector: "sel",
	}

	rec := e.do(t, http.MethodPost, "/v1/domains/dom-1/verify", nil, tenantHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.checker.called)
	assert.True(t, e.domains.checked)
}

func TestProviderBounceSuppressesHardBounce(t *testing.T) {
	e := newTestEnv()
	msgID := "ses-msg-1"
	e.events.outbox = &domain.Outbox{ID: "out-1", CompanyID: "co-1", ProviderMessageID: &msgID}

	rec := e.do(t, http.MethodPost, "/v1/events/provider", map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]string{"messageId": msgID},
		"bounce": map[string]any{
			"bounceType": "Permanent",
			"bouncedRecipients": []map[string]string{
				{"emailAddress": "gone@example.com", "diagnosticCode": "smtp; 550 5.1.1 user unknown", "status": "5.1.1"},
			},
		},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []domain.EventType{domain.EventBounce}, e.events.appended)
	assert.Equal(t, "Permanent", e.events.lastMD.BounceType)
	require.Len(t, e.suppression.suppressed, 1)
	assert.Equal(t, "gone@example.com", e.suppression.suppressed[0].email)
	assert.Equal(t, domain.ReasonHardBounce, e.suppression.suppressed[0].reason)
}

func TestProviderTransientBounceDoesNotSuppress(t *testing.T) {
	e := newTestEnv()
	msgID := "ses-msg-2"
	e.events.outbox = &domain.Outbox{ID: "out-1", CompanyID: "co-1", ProviderMessageID: &msgID}

	rec := e.do(t, http.MethodPost, "/v1/events/provider", map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]string{"messageId": msgID},
		"bounce": map[string]any{
			"bounceType": "Transient",
			"bouncedRecipients": []map[string]string{
				{"emailAddress": "full@example.com"},
			},
		},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.suppression.suppressed)
}

func TestProviderEventUnknownMessageAcked(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/events/provider", map[string]any{
		"notificationType": "Delivery",
		"mail":             map[string]string{"messageId": "nope"},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, e.events.appended)
}

func TestAdminAuthRejectsBadToken(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodGet, "/v1/admin/companies", nil,
		map[string]string{"X-Admin-Token": "wrong", "X-Operator-Id": "ops"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthRequiresOperatorID(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodGet, "/v1/admin/companies", nil,
		map[string]string{"X-Admin-Token": "op-token"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCompanyReturnsKeyOnce(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/admin/companies", map[string]any{
		"name": "Beta Corp", "defaultFrom": "hi@beta.example",
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createCompanyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.APIKey)
	require.NotNil(t, e.companies.created)
	assert.Equal(t, domain.ApprovalPending, e.companies.created.Approval)
	assert.NotEmpty(t, e.companies.created.APIKeyHash)
	assert.NotEqual(t, resp.APIKey, e.companies.created.APIKeyHash)
}

func TestSetApprovalValidatesState(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/admin/companies/co-1/approval",
		map[string]string{"state": "blessed"}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/admin/companies/co-1/approval",
		map[string]string{"state": "approved"}, adminHeaders())
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.ApprovalApproved, e.companies.approvals["co-1"])
}

func TestBreakGlassOpen(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/audit/break-glass",
		map[string]string{"reason": "incident INC-4312: confirming bounce identity"}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp breakGlassResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tok-ops@acme", resp.Token)
	assert.False(t, resp.ExpiresAt.IsZero())
}

func TestBreakGlassRejectsShortReason(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodPost, "/v1/audit/break-glass",
		map[string]string{"reason": "debug"}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayDLQ(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/admin/dlq/replay",
		map[string]any{"CompanyID": "co-1"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var report worker.ReplayReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Replayed)
	assert.Equal(t, "co-1", e.replayer.filter.CompanyID)
}

func TestSuppressionListRequiresCompany(t *testing.T) {
	e := newTestEnv()
	rec := e.do(t, http.MethodGet, "/v1/admin/suppressions", nil, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddGlobalSuppression(t *testing.T) {
	e := newTestEnv()

	rec := e.do(t, http.MethodPost, "/v1/admin/suppressions", map[string]string{
		"companyId": domain.GlobalListCompanyID, "email": "spamtrap@example.com",
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, e.suppression.suppressed, 1)
	assert.Equal(t, domain.GlobalListCompanyID, e.suppression.suppressed[0].companyID)
	assert.Equal(t, domain.ReasonManual, e.suppression.suppressed[0].reason)
}

func TestHealthDegradedOnDependencyFailure(t *testing.T) {
	e := newTestEnv()
	e.srv.dbPing = func(_ context.Context) error { return context.DeadlineExceeded }

	rec := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
