package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"castdeck/internal/domain"
)

func testKeypair(t *testing.T) (*rsa.PrivateKey, *JWTResolver) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	r, err := NewJWTResolverFromPEM(pub, "castdeck-test")
	if err != nil {
		t.Fatalf("NewJWTResolverFromPEM: %v", err)
	}
	return priv, r
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() Claims {
	return Claims{
		Username:    "alice",
		DisplayName: "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "12345",
			Issuer:    "castdeck-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestResolveValidToken(t *testing.T) {
	t.Parallel()
	priv, r := testKeypair(t)

	id, err := r.Resolve(context.Background(), signToken(t, priv, validClaims()))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.FID != 12345 || id.Username != "alice" || id.DisplayName != "Alice" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestResolveRejections(t *testing.T) {
	t.Parallel()
	priv, r := testKeypair(t)

	otherPriv, _ := testKeypair(t)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	badIssuer := validClaims()
	badIssuer.Issuer = "someone-else"

	noFid := validClaims()
	noFid.Subject = "not-a-number"

	negFid := validClaims()
	negFid.Subject = "-7"

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong key", signToken(t, otherPriv, validClaims())},
		{"expired", signToken(t, priv, expired)},
		{"wrong issuer", signToken(t, priv, badIssuer)},
		{"non-numeric subject", signToken(t, priv, noFid)},
		{"non-positive fid", signToken(t, priv, negFid)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := r.Resolve(context.Background(), tc.token); !errors.Is(err, domain.ErrAuth) {
				t.Fatalf("got %v, want ErrAuth", err)
			}
		})
	}
}

func TestResolveRejectsUnsignedAlgorithm(t *testing.T) {
	t.Parallel()
	_, r := testKeypair(t)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := r.Resolve(context.Background(), tok); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}

func TestECDSAKeyAccepted(t *testing.T) {
	t.Parallel()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	r, err := NewJWTResolverFromPEM(pub, "")
	if err != nil {
		t.Fatalf("NewJWTResolverFromPEM: %v", err)
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, validClaims()).SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	id, err := r.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.FID != 12345 {
		t.Fatalf("fid = %d", id.FID)
	}
}

func TestStaticResolver(t *testing.T) {
	t.Parallel()
	r := Static{"tok": {FID: 7, Username: "bob"}}

	id, err := r.Resolve(context.Background(), "tok")
	if err != nil || id.FID != 7 {
		t.Fatalf("id=%+v err=%v", id, err)
	}
	if _, err := r.Resolve(context.Background(), "other"); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("got %v, want ErrAuth", err)
	}
}
