// Package bridge maintains the gateway's single privileged session to
// the upstream chat server. The Bridge interface is the only surface
// the rest of the gateway sees; chatkit (WebSocket + REST) is the
// default backend and matrix the alternative.
package bridge
