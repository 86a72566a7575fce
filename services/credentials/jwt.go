package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

// Claims are the claims carried by control plane JWTs
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
}

// JWTResolver resolves HS256-signed tokens. Revocation is checked by token
// id on every use.
type JWTResolver struct {
	secret      []byte
	issuer      string
	revocations repositories.TokenRevocationRepository
	clock       clock.Clock
	logger      *zap.Logger
}

// NewJWTResolver creates a new JWT resolver
func NewJWTResolver(secret, issuer string, revocations repositories.TokenRevocationRepository, clk clock.Clock, logger *zap.Logger) *JWTResolver {
	return &JWTResolver{
		secret:      []byte(secret),
		issuer:      issuer,
		revocations: revocations,
		clock:       clk,
		logger:      logger,
	}
}

// Resolve implements Resolver
func (r *JWTResolver) Resolve(ctx context.Context, tokenString string) (*models.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.clock.Now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		r.logger.Debug("jwt rejected", zap.Error(err))
		return nil, ErrNotFound
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil || claims.ID == "" {
		return nil, ErrNotFound
	}

	status := models.CredentialStatusActive
	revoked, err := r.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		status = models.CredentialStatusRevoked
	}

	return &models.Identity{
		TenantID:     tenantID,
		CredentialID: claims.ID,
		ActorType:    models.ActorTypeJWT,
		Scopes:       models.NewScopeSet(claims.Scopes...),
		Status:       status,
	}, nil
}

// Issue signs a token for a tenant. It returns the token and its id.
func (r *JWTResolver) Issue(tenantID uuid.UUID, scopes []string, ttl time.Duration) (string, string, error) {
	now := r.clock.Now()
	jti := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    r.issuer,
			Subject:   tenantID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID.String(),
		Scopes:   scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, jti, nil
}
