// Package socket implements the persistent full-duplex agent transport:
// an in-band auth handshake, one session per principal with
// replace-on-reconnect, an application-level heartbeat, and agent sends
// forwarded through the upstream bridge.
package socket
