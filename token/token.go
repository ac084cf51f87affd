// Package token implements JWT HS256 generation and verification for
// workspace-scoped capability tokens. Tokens are stateless: there is no
// server-side revocation, expiry is the only lifetime control.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oeway/hypha-core/errors"
)

// Issuer and audience stamped on every generated token.
const (
	Issuer   = "hypha-core"
	Audience = "hypha-api"
)

// DefaultExpiresIn is the token lifetime applied when the caller does not
// request one.
const DefaultExpiresIn = 86400 * time.Second

// Claims is the payload of a workspace capability token.
type Claims struct {
	Subject   string   `json:"sub,omitempty"`
	Workspace string   `json:"workspace,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Scope     string   `json:"scope,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  string   `json:"aud,omitempty"`
}

var headerSegment = encodeSegment([]byte(`{"alg":"HS256","typ":"JWT"}`))

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func sign(signingInput string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Generate produces a signed HS256 token for the given claims. All three
// segments use unpadded base64url.
func Generate(claims Claims, secret []byte) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signingInput := headerSegment + "." + encodeSegment(payload)
	signature := sign(signingInput, secret)
	return signingInput + "." + encodeSegment(signature), nil
}

// Verify checks the token's structure, signature, and expiry, returning
// its claims. Signature comparison is constant time.
func Verify(tok string, secret []byte) (*Claims, error) {
	return VerifyAt(tok, secret, time.Now())
}

// VerifyAt is Verify with an explicit clock, for deterministic tests.
func VerifyAt(tok string, secret []byte, now time.Time) (*Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", errors.ErrTokenFormat, len(parts))
	}

	signingInput := parts[0] + "." + parts[1]
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", errors.ErrTokenFormat, err)
	}
	if !hmac.Equal(signature, sign(signingInput, secret)) {
		return nil, errors.ErrTokenSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: claims segment: %v", errors.ErrTokenFormat, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims payload: %v", errors.ErrTokenFormat, err)
	}

	if claims.ExpiresAt != 0 && now.Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("%w: exp %d", errors.ErrTokenExpired, claims.ExpiresAt)
	}
	return &claims, nil
}

// Options shape a token issued through Build.
type Options struct {
	Workspace string
	ClientID  string
	Email     string
	Roles     []string
	Scopes    []string
	ExpiresIn time.Duration
}

// Build assembles the standard claim set for a caller identified by
// userID, stamping issuer, audience, and lifetime.
func Build(userID string, opts Options, now time.Time) Claims {
	expiresIn := opts.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	return Claims{
		Subject:   userID,
		Workspace: opts.Workspace,
		ClientID:  opts.ClientID,
		Email:     opts.Email,
		Roles:     opts.Roles,
		Scope:     strings.Join(opts.Scopes, " "),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(expiresIn).Unix(),
		Issuer:    Issuer,
		Audience:  Audience,
	}
}
