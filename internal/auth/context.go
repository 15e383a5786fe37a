// ABOUTME: Request-scoped agent identity carried through context
// ABOUTME: Set by the HTTP middleware, read by handlers via FromContext

package auth

import (
	"context"

	"github.com/2389/byoa-gateway/internal/registry"
)

type contextKey struct{}

// WithAgent returns a context carrying the authenticated agent.
func WithAgent(ctx context.Context, agent *registry.Agent) context.Context {
	return context.WithValue(ctx, contextKey{}, agent)
}

// FromContext returns the authenticated agent, or nil if the request was
// not authenticated.
func FromContext(ctx context.Context) *registry.Agent {
	agent, _ := ctx.Value(contextKey{}).(*registry.Agent)
	return agent
}
