package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

func signToken(t *testing.T, priv ed25519.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func validClaims(sub, role string, exp time.Time) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "issuer",
			Audience:  jwt.ClaimStrings{"filestore"},
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestAuthenticateStatic(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	c := NewStaticClient("issuer", "filestore", map[string]ed25519.PublicKey{"k1": pub})
	ctx := context.Background()

	p, err := c.Authenticate(ctx, signToken(t, priv, "k1", validClaims("u1", "admin", time.Now().Add(time.Hour))))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.Subject != "u1" || p.Role != model.RoleAdmin {
		t.Errorf("Authenticate() = %+v", p)
	}

	if _, err := c.Authenticate(ctx, signToken(t, priv, "k1", validClaims("u1", "", time.Now().Add(-time.Hour)))); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Authenticate(expired) error = %v, want ErrTokenExpired", err)
	}

	wrongAud := validClaims("u1", "", time.Now().Add(time.Hour))
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	if _, err := c.Authenticate(ctx, signToken(t, priv, "k1", wrongAud)); err == nil {
		t.Errorf("Authenticate(wrong audience) error = nil")
	}

	if _, err := c.Authenticate(ctx, signToken(t, priv, "unknown", validClaims("u1", "", time.Now().Add(time.Hour)))); err == nil {
		t.Errorf("Authenticate(unknown kid) error = nil")
	}
}

func TestAuthenticateDiscovery(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: "k1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "issuer", "filestore")
	tok := signToken(t, priv, "k1", validClaims("u2", "business", time.Now().Add(time.Hour)))
	for i := 0; i < 2; i++ {
		p, err := c.Authenticate(context.Background(), tok)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if p.Role != model.RoleBusiness {
			t.Errorf("Role = %v, want %v", p.Role, model.RoleBusiness)
		}
	}
	if fetches != 1 {
		t.Errorf("JWKS fetched %d times, want 1", fetches)
	}
}
