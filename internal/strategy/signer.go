package strategy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Disposition tells the blob endpoint how to serve the payload.
type Disposition string

const (
	DispositionInline     Disposition = "inline"
	DispositionAttachment Disposition = "attachment"
)

var (
	ErrTokenInvalid = errors.New("invalid access token")
	ErrTokenExpired = errors.New("access token expired")
)

// blobClaims are carried by the tokens on embedded blob URLs.
type blobClaims struct {
	Disposition Disposition `json:"disp"`
	jwt.RegisteredClaims
}

// URLSigner issues and checks HS256 tokens that make the embedded blob endpoint
// addressable for a limited time.
type URLSigner struct {
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewURLSigner creates a signer for URLs rooted at baseURL.
func NewURLSigner(baseURL string, secret []byte) (*URLSigner, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("url signing secret must be at least 16 bytes")
	}
	return &URLSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// Sign returns the blob URL for fileID valid for ttl.
func (s *URLSigner) Sign(fileID string, disp Disposition, ttl time.Duration) (string, error) {
	now := s.now()
	claims := blobClaims{
		Disposition: disp,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fileID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign blob token: %w", err)
	}
	return fmt.Sprintf("%s/v1/blob/%s?token=%s", s.baseURL, url.PathEscape(fileID), url.QueryEscape(token)), nil
}

// Verify checks that token grants access to fileID and returns the disposition it was issued for.
func (s *URLSigner) Verify(fileID, token string) (Disposition, error) {
	var claims blobClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if claims.Subject != fileID {
		return "", ErrTokenInvalid
	}
	if claims.Disposition != DispositionAttachment {
		return DispositionInline, nil
	}
	return DispositionAttachment, nil
}
