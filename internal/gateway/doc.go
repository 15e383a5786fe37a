// Package gateway wires the whole service together: registry, upstream
// bridge, router, downstream transports, and the HTTP surface, with
// graceful startup and shutdown ordering.
package gateway
