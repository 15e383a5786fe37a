// Package auth provides bearer-token authentication for the downstream
// HTTP surface. Every request is resolved against the live registry
// snapshot; nothing is cached, so a revoked token fails on the next call.
package auth
