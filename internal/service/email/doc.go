// Package email implements the send-pipeline service layer: ingestion of
// send requests (validation, sanitization, idempotency, outbox persistence,
// queue handoff) and the operator read surface over outbox rows.
//
// The service owns the write order guarantee: on success the outbox row is
// committed and the job is durably enqueued before a receipt is returned.
// It depends on the Store interface defined in this package and should never
// import from api/.
//
// Store implementations live in repository/postgres/.
package email
