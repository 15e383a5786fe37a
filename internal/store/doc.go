// Package store provides the gateway's SQLite-backed durable state: the
// 24-hour stream event log whose AUTOINCREMENT ids double as the
// monotonic resume keys for SSE, and the one-hour idempotency cache for
// agent send requests.
package store
