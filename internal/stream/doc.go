// Package stream implements the server-sent-event transport: resumable
// per-agent event streams with Last-Event-ID replay from the durable
// event log, a per-principal session cap, and heartbeat keepalives.
package stream
