package identity

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"castdeck/internal/domain"
)

// Claims carried by the Mini App auth token. The subject is the Farcaster
// fid; profile fields are optional.
type Claims struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies token signatures against a PEM public key.
type JWTResolver struct {
	key    any
	issuer string
}

// NewJWTResolver loads the verification key from a PEM file. RSA and ECDSA
// public keys are accepted; issuer, when non-empty, must match "iss".
func NewJWTResolver(publicKeyPath, issuer string) (*JWTResolver, error) {
	pem, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read public key: %w", err)
	}
	return NewJWTResolverFromPEM(pem, issuer)
}

func NewJWTResolverFromPEM(pem []byte, issuer string) (*JWTResolver, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		return &JWTResolver{key: key, issuer: issuer}, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("identity: parse public key (tried RSA, ECDSA): %w", err)
	}
	return &JWTResolver{key: key, issuer: issuer}, nil
}

func (r *JWTResolver) Resolve(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{
		// Pin the accepted algorithms so a forged token can't downgrade to
		// "none" or swap the key type.
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return r.key, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", domain.ErrAuth)
	}

	fid, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || fid <= 0 {
		return Identity{}, fmt.Errorf("%w: token subject is not a fid", domain.ErrAuth)
	}

	return Identity{
		FID:         fid,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
	}, nil
}
