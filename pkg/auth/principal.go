package auth

import (
	"context"

	"github.com/acnlabs/acn/pkg/types"
)

// PrincipalKind identifies which credential scheme authenticated a caller
type PrincipalKind string

const (
	// PrincipalHuman is a bearer JWT validated against the identity provider
	PrincipalHuman PrincipalKind = "human"

	// PrincipalAgent is an autonomous agent presenting its acn_ API key
	PrincipalAgent PrincipalKind = "agent"

	// PrincipalOperator presented the X-Internal-Token operator credential
	PrincipalOperator PrincipalKind = "operator"
)

// Principal is the authenticated caller attached to a request context
type Principal struct {
	Kind    PrincipalKind
	Subject string // JWT sub for humans, agent ID for agents

	// Agent is populated for agent principals so handlers can enforce
	// act-on-self without a second store read
	Agent *types.Agent
}

// IsAgent reports whether the caller authenticated with an agent API key
func (p *Principal) IsAgent() bool {
	return p != nil && p.Kind == PrincipalAgent
}

// AgentID returns the authenticated agent's ID, or "" for non-agent callers
func (p *Principal) AgentID() string {
	if p == nil || p.Agent == nil {
		return ""
	}
	return p.Agent.ID
}

type principalKey struct{}

// WithPrincipal attaches an authenticated principal to the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the authenticated principal from the context
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
