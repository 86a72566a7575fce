// Package credentials resolves opaque bearer tokens to tenant identities.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/upb/action-control-plane/models"
)

// ErrNotFound is the definitive "no such credential" signal. Malformed,
// unknown and mismatched tokens all resolve to it.
var ErrNotFound = errors.New("credential not found")

// Resolver maps a bearer token to an identity. It returns either a complete
// identity (whose Status must still be checked) or ErrNotFound; any other
// error means the lookup itself failed.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*models.Identity, error)
}

// ChainResolver dispatches a token to the resolver registered for its shape
type ChainResolver struct {
	apiKeys Resolver
	jwts    Resolver
}

// NewChainResolver creates a resolver for API keys and, when jwts is not
// nil, signed JWTs
func NewChainResolver(apiKeys Resolver, jwts Resolver) *ChainResolver {
	return &ChainResolver{apiKeys: apiKeys, jwts: jwts}
}

// Resolve implements Resolver
func (c *ChainResolver) Resolve(ctx context.Context, token string) (*models.Identity, error) {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return nil, ErrNotFound
	case strings.HasPrefix(token, TokenPrefix):
		return c.apiKeys.Resolve(ctx, token)
	case c.jwts != nil && strings.Count(token, ".") == 2:
		return c.jwts.Resolve(ctx, token)
	default:
		return nil, ErrNotFound
	}
}
