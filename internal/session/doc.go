// Package session persists conversational agent state in PostgreSQL.
//
// A Session aggregates an append-only log of Events, each carrying at most
// one structured content part (text, function call, or function response).
// The Store saves the whole aggregate through an idempotent upsert so the
// session row and its event log always commit in the same transaction.
//
// All Store operations are safe for concurrent use. Concurrent writes to the
// same session id serialize through the database's transaction isolation;
// there are no in-process locks and no in-process caching.
package session
