// Package auth verifies bearer tokens presented on connect and applies the
// stage's anonymous-access policy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrUnauthorized is returned when a connect attempt carries no acceptable credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID    string
	Anonymous bool
}

// RevocationList answers whether a token id has been revoked.
type RevocationList interface {
	Revoked(ctx context.Context, tokenID string) (bool, error)
}

// RedisRevocationList keeps revoked token ids in a Redis set.
type RedisRevocationList struct {
	client redis.UniversalClient
	key    string
}

// NewRedisRevocationList reads revoked ids from the set stored at key.
func NewRedisRevocationList(client redis.UniversalClient, key string) *RedisRevocationList {
	if strings.TrimSpace(key) == "" {
		key = "showsync:revoked"
	}
	return &RedisRevocationList{client: client, key: key}
}

// Revoked reports set membership.
func (r *RedisRevocationList) Revoked(ctx context.Context, tokenID string) (bool, error) {
	return r.client.SIsMember(ctx, r.key, tokenID).Result()
}

// Revoke adds a token id to the set.
func (r *RedisRevocationList) Revoke(ctx context.Context, tokenID string) error {
	return r.client.SAdd(ctx, r.key, tokenID).Err()
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithAnonymous lets connections without a token join under a generated identity.
func WithAnonymous(allow bool) Option {
	return func(a *Authenticator) {
		a.allowAnonymous = allow
	}
}

// WithRevocationList checks token ids against the list.
func WithRevocationList(list RevocationList) Option {
	return func(a *Authenticator) {
		a.revocations = list
	}
}

// Authenticator turns a raw token into an Identity.
type Authenticator struct {
	verifier       *TokenVerifier
	revocations    RevocationList
	allowAnonymous bool
}

// NewAuthenticator builds an authenticator. A nil verifier only works with anonymous access.
func NewAuthenticator(verifier *TokenVerifier, opts ...Option) (*Authenticator, error) {
	authenticator := &Authenticator{verifier: verifier}
	for _, opt := range opts {
		if opt != nil {
			opt(authenticator)
		}
	}
	if verifier == nil && !authenticator.allowAnonymous {
		return nil, errors.New("authenticator requires a token verifier or anonymous access")
	}
	return authenticator, nil
}

// Authenticate validates token. Failures wrap ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if a == nil {
		return Identity{}, fmt.Errorf("%w: authenticator not configured", ErrUnauthorized)
	}
	token = strings.TrimSpace(token)
	//1.- Map an absent token to an anonymous identity only when explicitly allowed.
	if token == "" {
		if a.allowAnonymous {
			return Identity{UserID: "anon-" + uuid.NewString(), Anonymous: true}, nil
		}
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if a.verifier == nil {
		return Identity{}, fmt.Errorf("%w: token verification disabled", ErrUnauthorized)
	}
	//2.- A present but invalid token is always rejected, even when anonymous access is on.
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	//3.- Consult the revocation list for tokens that carry an id.
	if a.revocations != nil && claims.TokenID != "" {
		revoked, err := a.revocations.Revoked(ctx, claims.TokenID)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: revocation lookup: %v", ErrUnauthorized, err)
		}
		if revoked {
			return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, ErrRevokedToken)
		}
	}
	return Identity{UserID: claims.Subject}, nil
}
