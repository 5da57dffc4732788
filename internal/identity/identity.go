// Package identity verifies Mini App bearer tokens and maps them to a
// stable Farcaster identity.
package identity

import (
	"context"

	"castdeck/internal/domain"
)

// Identity is what a verified token resolves to.
type Identity struct {
	FID         int64
	Username    string
	DisplayName string
	AvatarURL   string
}

// Resolver turns a bearer token into an Identity.
// Implementations return domain.ErrAuth (wrapped) for any token problem so
// callers can map it to 401 without inspecting causes.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Static is a deterministic resolver for tests and local development: a
// fixed token-to-identity table.
type Static map[string]Identity

func (s Static) Resolve(_ context.Context, token string) (Identity, error) {
	id, ok := s[token]
	if !ok {
		return Identity{}, domain.ErrAuth
	}
	return id, nil
}
