// Package suppression implements the per-tenant suppression list service.
//
// Every tenant carries its own list; a gateway-wide overlay list under
// domain.GlobalListCompanyID applies on top of all of them. Entries flow in
// from provider bounce and complaint classifications, manual operator
// actions, and bulk imports, and are checked both at ingestion and again by
// the worker right before dispatch.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. It never imports net/http
// or database/sql directly. The optional Matcher is the in-memory two-layer
// index from internal/suppression; when wired, membership checks skip the
// database entirely.
package suppression
