package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"github.com/upb/action-control-plane/utils"
	"go.uber.org/zap"
)

const (
	// TokenPrefix marks control plane API keys
	TokenPrefix = "acp_"

	prefixLength = 12
	secretLength = 40
	alphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ParseToken splits "acp_<prefix>_<secret>" into its parts
func ParseToken(token string) (prefix, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, TokenPrefix)
	if !found {
		return "", "", false
	}
	prefix, secret, found = strings.Cut(rest, "_")
	if !found || len(prefix) != prefixLength || len(secret) < 16 {
		return "", "", false
	}
	return prefix, secret, true
}

// HashSecret returns the stored form of a key secret
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// APIKeyResolver resolves API keys against the credential store
type APIKeyResolver struct {
	repo   repositories.CredentialRepository
	clock  clock.Clock
	logger *zap.Logger
}

// NewAPIKeyResolver creates a new API key resolver
func NewAPIKeyResolver(repo repositories.CredentialRepository, clk clock.Clock, logger *zap.Logger) *APIKeyResolver {
	return &APIKeyResolver{repo: repo, clock: clk, logger: logger}
}

// Resolve implements Resolver
func (r *APIKeyResolver) Resolve(ctx context.Context, token string) (*models.Identity, error) {
	prefix, secret, ok := ParseToken(token)
	if !ok {
		return nil, ErrNotFound
	}

	cred, err := r.repo.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(cred.SecretHash)) != 1 {
		r.logger.Debug("credential secret mismatch", zap.String("prefix", prefix))
		return nil, ErrNotFound
	}

	return &models.Identity{
		TenantID:     cred.TenantID,
		CredentialID: cred.ID.String(),
		Prefix:       cred.Prefix,
		ActorType:    models.ActorTypeAPIKey,
		Scopes:       models.NewScopeSet(cred.Scopes...),
		Status:       cred.EffectiveStatus(r.clock.Now()),
	}, nil
}

// MintRequest describes a credential to issue
type MintRequest struct {
	TenantID  uuid.UUID  `validate:"required"`
	Name      string     `validate:"required,max=255"`
	Scopes    []string   `validate:"required,min=1,dive,required"`
	ExpiresAt *time.Time `validate:"omitempty"`
}

// Mint creates a credential and returns it with its one-time plaintext
// token. Only the secret hash is stored.
func Mint(ctx context.Context, repo repositories.CredentialRepository, req MintRequest, now time.Time) (*models.Credential, string, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, "", err
	}

	prefix, err := randomString(prefixLength)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomString(secretLength)
	if err != nil {
		return nil, "", err
	}

	cred := &models.Credential{
		ID:         uuid.New(),
		TenantID:   req.TenantID,
		Name:       req.Name,
		Prefix:     prefix,
		SecretHash: HashSecret(secret),
		Scopes:     req.Scopes,
		Status:     models.CredentialStatusActive,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.Create(ctx, cred); err != nil {
		return nil, "", fmt.Errorf("failed to store credential: %w", err)
	}

	return cred, TokenPrefix + prefix + "_" + secret, nil
}

func randomString(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random token: %w", err)
		}
		sb.WriteByte(alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// Seed stores a credential for a fixed, externally provided token. A
// credential already stored under the token prefix is left untouched.
func Seed(ctx context.Context, repo repositories.CredentialRepository, token string, tenantID uuid.UUID, scopes []string, now time.Time) (*models.Credential, error) {
	prefix, secret, ok := ParseToken(token)
	if !ok {
		return nil, errors.New("seed token is not a valid API key")
	}

	existing, err := repo.GetByPrefix(ctx, prefix)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up seed credential: %w", err)
	}

	cred := &models.Credential{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Name:       "seed",
		Prefix:     prefix,
		SecretHash: HashSecret(secret),
		Scopes:     scopes,
		Status:     models.CredentialStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := repo.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store seed credential: %w", err)
	}
	return cred, nil
}
