package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/mailgate/internal/domain"
	"github.com/ignite/mailgate/internal/service/email"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

var outboxTestColumns = []string{
	"id", "company_id", "recipient_id", "to_address", "cc", "bcc", "subject",
	"html_ref", "reply_to", "headers", "tags", "attachment_count",
	"attachment_digest", "status", "attempts", "request_id",
	"idempotency_key", "provider_message_id", "created_at", "updated_at",
}

func outboxRow(id string, status domain.OutboxStatus, attempts int) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, "comp-1", nil, "user@example.com", "{}", "{}", "hello",
		"<p>hi</p>", "", []byte("{}"), "{}", 0,
		"", string(status), attempts, "req-1",
		nil, nil, now, now,
	}
}

func addOutboxRow(rows *sqlmock.Rows, vals []driver.Value) *sqlmock.Rows {
	return rows.AddRow(vals...)
}

func TestCreateOutboxWithRecipientAndClaim(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO recipients").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rcpt-1"))
	mock.ExpectQuery("INSERT INTO email_outbox").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	o := &domain.Outbox{
		CompanyID: "comp-1",
		To:        "user@example.com",
		Subject:   "hello",
		HTMLRef:   "<p>hi</p>",
		Status:    domain.StatusPending,
		RequestID: "req-1",
	}
	rcpt := &domain.Recipient{CompanyID: "comp-1", Email: "user@example.com"}
	claim := &email.IdempotencyClaim{Key: "k1", PayloadHash: "abc", ExpiresAt: now.Add(48 * time.Hour)}

	if err := repo.CreateOutbox(context.Background(), o, rcpt, claim); err != nil {
		t.Fatalf("CreateOutbox() error: %v", err)
	}
	if o.RecipientID == nil || *o.RecipientID != "rcpt-1" {
		t.Errorf("RecipientID = %v, want rcpt-1", o.RecipientID)
	}
	if o.ID == "" {
		t.Error("outbox ID should be generated")
	}
	if o.CreatedAt.IsZero() {
		t.Error("CreatedAt should be populated from the insert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateOutboxLosesIdempotencyRace(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO email_outbox").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	o := &domain.Outbox{CompanyID: "comp-1", To: "a@b.co", Subject: "s", HTMLRef: "x", Status: domain.StatusPending}
	claim := &email.IdempotencyClaim{Key: "k1", PayloadHash: "abc", ExpiresAt: now.Add(time.Hour)}

	err := repo.CreateOutbox(context.Background(), o, nil, claim)
	if err != email.ErrIdempotencyDuplicate {
		t.Fatalf("CreateOutbox() error = %v, want ErrIdempotencyDuplicate", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimForProcessing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	rows := sqlmock.NewRows(outboxTestColumns)
	addOutboxRow(rows, outboxRow("job-1", domain.StatusProcessing, 1))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_outbox").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO email_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	o, err := repo.ClaimForProcessing(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimForProcessing() error: %v", err)
	}
	if o.Status != domain.StatusProcessing {
		t.Errorf("Status = %s, want PROCESSING", o.Status)
	}
	if o.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", o.Attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimForProcessingConflict(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE email_outbox").
		WillReturnRows(sqlmock.NewRows(outboxTestColumns))
	mock.ExpectRollback()

	_, err := repo.ClaimForProcessing(context.Background(), "job-1")
	if err != email.ErrTransitionConflict {
		t.Fatalf("ClaimForProcessing() error = %v, want ErrTransitionConflict", err)
	}
}

func TestMarkSentConflictWhenNotProcessing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE email_outbox").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.MarkSent(context.Background(), "job-1", "msg-1",
		EventDraft{Type: domain.EventSent})
	if err != email.ErrTransitionConflict {
		t.Fatalf("MarkSent() error = %v, want ErrTransitionConflict", err)
	}
}

func TestMarkEnqueuedNoopWhenAlreadyMoved(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE email_outbox").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.MarkEnqueued(context.Background(), "job-1"); err != nil {
		t.Fatalf("MarkEnqueued() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReadIdempotencyMiss(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	mock.ExpectQuery("SELECT outbox_id, payload_hash, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"outbox_id", "payload_hash", "created_at"}))

	_, err := repo.ReadIdempotency(context.Background(), "comp-1", "missing")
	if err != email.ErrNotFound {
		t.Fatalf("ReadIdempotency() error = %v, want ErrNotFound", err)
	}
}

func TestListOffsetMode(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	rows := sqlmock.NewRows(outboxTestColumns)
	addOutboxRow(rows, outboxRow("o1", domain.StatusSent, 1))
	addOutboxRow(rows, outboxRow("o2", domain.StatusSent, 1))
	mock.ExpectQuery("SELECT o.id").WillReturnRows(rows)

	res, err := repo.List(context.Background(), "comp-1", email.ListQuery{
		PageSize:  2,
		UseOffset: true,
		Offset:    0,
	})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if res.Total != 5 {
		t.Errorf("Total = %d, want 5", res.Total)
	}
	if len(res.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(res.Items))
	}
}

func TestListCursorTrimsExtraRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	rows := sqlmock.NewRows(outboxTestColumns)
	addOutboxRow(rows, outboxRow("o1", domain.StatusSent, 1))
	addOutboxRow(rows, outboxRow("o2", domain.StatusSent, 1))
	addOutboxRow(rows, outboxRow("o3", domain.StatusSent, 1))
	mock.ExpectQuery("SELECT o.id").WillReturnRows(rows)

	res, err := repo.List(context.Background(), "comp-1", email.ListQuery{PageSize: 2})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("len(Items) = %d, want 2", len(res.Items))
	}
	if !res.HasMore {
		t.Error("HasMore should be true when an extra row comes back")
	}
}

func TestListStatusAndRecipientFilters(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewOutboxRepo(db)

	rows := sqlmock.NewRows(outboxTestColumns)
	addOutboxRow(rows, outboxRow("o1", domain.StatusFailed, 3))
	mock.ExpectQuery("(?s)SELECT o.id.+JOIN recipients").WillReturnRows(rows)

	res, err := repo.List(context.Background(), "comp-1", email.ListQuery{
		PageSize:   20,
		Status:     []domain.OutboxStatus{domain.StatusFailed},
		ExternalID: "ext-9",
	})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Status != domain.StatusFailed {
		t.Errorf("unexpected items: %+v", res.Items)
	}
}
