package auth

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// APIKeyPrefix marks agent credentials; bearer tokens carrying it are
// resolved against the registry instead of the identity provider
const APIKeyPrefix = "acn_"

const (
	apiKeyCacheSize = 10000
	apiKeyCacheTTL  = 60 * time.Second
)

// Service authenticates the three caller kinds: humans with identity
// provider JWTs, agents with acn_ API keys, operators with the internal
// token. API-key lookups are cached so the hot send path does not hit the
// store on every request.
type Service struct {
	store         storage.Store
	validator     *Validator // nil when no identity provider is configured
	operatorToken string

	apiKeys *expirable.LRU[string, *types.Agent]
}

// NewService creates the authentication service from runtime configuration
func NewService(cfg *config.Config, store storage.Store) *Service {
	s := &Service{
		store:         store,
		operatorToken: cfg.OperatorToken,
		apiKeys:       expirable.NewLRU[string, *types.Agent](apiKeyCacheSize, nil, apiKeyCacheTTL),
	}
	if cfg.AuthDomain != "" {
		s.validator = NewValidator(cfg.AuthDomain, cfg.AuthAudience)
	}
	return s
}

// AuthenticateBearer resolves an Authorization bearer value into a
// principal. acn_ keys are agent credentials; anything else is treated as
// an identity provider JWT.
func (s *Service) AuthenticateBearer(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, errs.E(errs.Unauthenticated, "missing bearer token")
	}

	if strings.HasPrefix(token, APIKeyPrefix) {
		agent, err := s.AgentByAPIKey(ctx, token)
		if err != nil {
			if errs.IsKind(err, errs.NotFound) {
				return nil, errs.E(errs.Unauthenticated, "invalid API key")
			}
			return nil, err
		}
		return &Principal{Kind: PrincipalAgent, Subject: agent.ID, Agent: agent}, nil
	}

	if s.validator == nil {
		return nil, errs.E(errs.Unauthenticated, "bearer tokens not accepted: no identity provider configured")
	}

	claims, err := s.validator.Validate(ctx, token)
	if err != nil {
		return nil, errs.Wrap(errs.Unauthenticated, err, "token validation failed")
	}
	return &Principal{Kind: PrincipalHuman, Subject: claims.Subject}, nil
}

// AgentByAPIKey resolves an API key to its agent, consulting the cache
// first. Entries expire after 60 seconds so revoked keys stop working
// within one TTL.
func (s *Service) AgentByAPIKey(ctx context.Context, apiKey string) (*types.Agent, error) {
	if agent, ok := s.apiKeys.Get(apiKey); ok {
		return agent, nil
	}

	agent, err := s.store.GetAgentByAPIKey(apiKey)
	if err != nil {
		return nil, err
	}

	s.apiKeys.Add(apiKey, agent)
	return agent, nil
}

// InvalidateAPIKey drops a cached key, used when credentials rotate on
// claim or transfer so the old key dies immediately rather than at TTL
func (s *Service) InvalidateAPIKey(apiKey string) {
	s.apiKeys.Remove(apiKey)
}

// CheckOperatorToken compares a presented X-Internal-Token value in
// constant time
func (s *Service) CheckOperatorToken(token string) error {
	if s.operatorToken == "" {
		return errs.E(errs.PermissionDenied, "operator endpoints disabled: no operator token configured")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
		return errs.E(errs.PermissionDenied, "operator token mismatch")
	}
	return nil
}

// HasValidator reports whether identity provider JWT validation is enabled
func (s *Service) HasValidator() bool {
	return s.validator != nil
}
