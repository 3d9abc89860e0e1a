// Package jwks validates bearer tokens against the identity provider's
// Ed25519 JSON Web Key Set and turns them into principals.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RegistryAccord/registryaccord-filestore-go/internal/model"
)

// ErrTokenExpired is returned for well-formed tokens past their expiry.
var ErrTokenExpired = errors.New("token expired")

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    model.Role
}

// Claims are the token claims the service reads.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	cache      *jwksCache
	static     map[string]ed25519.PublicKey // Fixed keys, bypasses discovery
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a client that discovers keys at jwksURL.
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewStaticClient creates a client that trusts a fixed key set, for tests and
// single-tenant deployments without a JWKS endpoint.
func NewStaticClient(issuer, audience string, keys map[string]ed25519.PublicKey) *Client {
	return &Client{
		issuer:   issuer,
		audience: audience,
		cache:    &jwksCache{},
		static:   keys,
	}
}

// fetchJWKS fetches the JWKS from the identity service
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.cache.mutex.RLock()
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(5 * time.Minute)
	return jwks, nil
}

// publicKey resolves kid to an Ed25519 key.
func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if c.static != nil {
		key, ok := c.static[kid]
		if !ok {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		return key, nil
	}

	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, jwk := range jwks.Keys {
		if jwk.Kid != kid {
			continue
		}
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" || (jwk.Alg != "" && jwk.Alg != "EdDSA") {
			return nil, fmt.Errorf("unsupported key type or algorithm")
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("failed to decode public key")
		}
		return ed25519.PublicKey(x), nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// Authenticate verifies tokenString and returns the principal it names.
func (c *Client) Authenticate(ctx context.Context, tokenString string) (Principal, error) {
	var claims Claims
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		return c.publicKey(ctx, kid)
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}

	return Principal{Subject: claims.Subject, Role: model.ParseRole(claims.Role)}, nil
}
