/*
Package auth authenticates the three caller kinds of the collaboration
network and issues machine-to-machine credentials for registered agents.

# Architecture

	Authorization: Bearer <value>            X-Internal-Token: <value>
	        │                                        │
	        ▼                                        ▼
	┌───────────────────┐                   ┌─────────────────┐
	│ AuthenticateBearer│                   │CheckOperatorToken│
	└───────┬───────────┘                   │ (constant time) │
	        │ acn_ prefix?                  └─────────────────┘
	   yes  │        no
	        ▼          ▼
	┌──────────────┐ ┌──────────────────────────┐
	│ API-key LRU  │ │ Validator (RS256 + JWKS) │
	│ 60 s / 10 000│ │ issuer + audience claims │
	└──────┬───────┘ └───────────┬──────────────┘
	       ▼                     ▼
	  storage.Store        KeySet (10 min TTL,
	  GetAgentByAPIKey      singleflight refresh)

# Core Components

Service:
  - AuthenticateBearer: routes acn_ keys to the registry, everything else
    to the identity provider
  - AgentByAPIKey: expirable LRU in front of the store lookup
  - CheckOperatorToken: subtle.ConstantTimeCompare against ACN_OPERATOR_TOKEN

Validator / KeySet:
  - RS256 only; kid header required
  - JWKS fetched from <domain>/.well-known/jwks.json, cached 10 minutes,
    refreshed under a single-flight lock; unknown kids force one refresh
    to pick up rotated keys

IssuerClient:
  - POST /m2m/credentials on the identity provider; registration runs it
    asynchronously and logs failures instead of failing the agent

Principal:
  - Context-attached caller identity; agent principals carry the full
    agent record so act-on-self checks need no second read

# Usage

	svc := auth.NewService(cfg, store)

	principal, err := svc.AuthenticateBearer(ctx, bearerValue)
	if err != nil {
		// errs.Unauthenticated
	}
	ctx = auth.WithPrincipal(ctx, principal)

	if err := svc.CheckOperatorToken(r.Header.Get("X-Internal-Token")); err != nil {
		// errs.PermissionDenied
	}

# Design Notes

A stale JWKS beats a hard failure: when the provider is unreachable and a
cached key exists for the kid, validation proceeds on the stale key rather
than rejecting every request for the outage's duration.

API keys are random 256-bit values, so the cache keys on the raw value;
revocation takes effect within the 60 second TTL, or immediately when the
owning flow calls InvalidateAPIKey.

# See Also

  - pkg/api for the middleware that drives this package
  - pkg/registry for API key minting
*/
package auth
