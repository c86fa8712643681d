package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pipecd/api/internal/store"
)

// Identity is a verified caller.
type Identity struct {
	ID        string
	Email     string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

// RevocationList reports tokens revoked before they expire.
type RevocationList interface {
	IsRevoked(ctx context.Context, key string) (bool, error)
}

// Directory is the privileged user lookup. When configured, tokens for
// unknown or deactivated users are rejected and the stored role wins over
// the token's.
type Directory interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type VerifierConfig struct {
	Secret      []byte
	Issuer      string
	Audience    string
	DefaultRole string
}

type Verifier struct {
	cfg       VerifierConfig
	parseOpts []jwt.ParserOption
	revoked   RevocationList
	directory Directory
}

// NewVerifier builds a verifier. revoked and directory may be nil.
func NewVerifier(cfg VerifierConfig, revoked RevocationList, directory Directory) *Verifier {
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{cfg: cfg, parseOpts: opts, revoked: revoked, directory: directory}
}

// Claims verifies token and returns its claims without consulting the
// revocation list or the directory.
func (v *Verifier) Claims(token string) (Claims, error) {
	return ParseToken(v.cfg.Secret, token, v.parseOpts...)
}

func (v *Verifier) Resolve(ctx context.Context, token string) (Identity, error) {
	claims, err := v.Claims(token)
	if err != nil {
		return Identity{}, err
	}

	if v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, RevocationKey(claims, token))
		if err != nil {
			return Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Identity{}, ErrRevokedToken
		}
	}

	identity := Identity{
		ID:      claims.Subject,
		Email:   claims.Email,
		Role:    claims.Role,
		TokenID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}

	if v.directory != nil {
		user, err := v.directory.GetUserByID(ctx, claims.Subject)
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
		}
		if err != nil {
			return Identity{}, fmt.Errorf("lookup user: %w", err)
		}
		if user.DeactivatedAt != nil {
			return Identity{}, fmt.Errorf("%w: user deactivated", ErrInvalidToken)
		}
		if user.Email != "" {
			identity.Email = user.Email
		}
		if user.Role != "" {
			identity.Role = user.Role
		}
	}

	if identity.Role == "" {
		identity.Role = v.cfg.DefaultRole
	}
	return identity, nil
}
