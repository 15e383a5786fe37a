// Package metrics provides the gateway's operational counters.
//
// Counters are Prometheus collectors on a private registry. The same
// values feed three consumers: the /metrics text exposition, the
// /metrics/json structured snapshot, and an append-only JSON-lines log
// flushed every minute and at shutdown.
package metrics
