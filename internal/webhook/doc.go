// Package webhook delivers room messages to agents via HTTP POST
// callbacks with a bounded retry policy.
package webhook
