package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kinds carried in the private "typ" claim. An access token can never
// be replayed as a refresh token and vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims is the claim set for both access and refresh tokens.
type Claims struct {
	Scope     []string `json:"scope,omitempty"`
	TokenType string   `json:"typ"`
	jwt.RegisteredClaims
}

// Identity returns the caller identity (the sub claim).
func (c *Claims) Identity() string { return c.Subject }

// Verification errors, distinguished so the auth plugin can map expired
// tokens to auth/expired rather than auth/invalid.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// SignerConfig configures JWT minting and verification.
type SignerConfig struct {
	// Algorithm is "HS256" or "EdDSA".
	Algorithm string
	// HMACSecret is the shared key for HS256.
	HMACSecret []byte
	// Ed25519Key is the signing key for EdDSA; generated when nil.
	Ed25519Key ed25519.PrivateKey
	Issuer     string
	Audience   string
	// Leeway tolerated on exp/nbf checks (clock skew window).
	Leeway time.Duration
}

// Signer mints and verifies JWTs with a single configured algorithm.
// Verify rejects tokens signed with any other algorithm.
type Signer struct {
	method   jwt.SigningMethod
	signKey  any
	verifyKey any
	issuer   string
	audience string
	leeway   time.Duration
}

// NewSigner builds a Signer from config. HS256 requires a non-empty secret;
// EdDSA generates an ephemeral key pair when none is supplied (tokens then
// do not survive restart, which matches session semantics).
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.Leeway == 0 {
		cfg.Leeway = time.Minute
	}
	s := &Signer{issuer: cfg.Issuer, audience: cfg.Audience, leeway: cfg.Leeway}

	switch cfg.Algorithm {
	case "", "HS256":
		if len(cfg.HMACSecret) == 0 {
			return nil, errors.New("jwt: HS256 requires a signing secret")
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = cfg.HMACSecret
		s.verifyKey = cfg.HMACSecret
	case "EdDSA":
		priv := cfg.Ed25519Key
		if priv == nil {
			var err error
			_, priv, err = ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return nil, fmt.Errorf("jwt: ed25519 key generation failed: %w", err)
			}
		}
		s.method = jwt.SigningMethodEdDSA
		s.signKey = priv
		s.verifyKey = priv.Public()
	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %q", cfg.Algorithm)
	}
	return s, nil
}

// Mint signs a token for identity with the given type, scope, ttl and a
// unique jti.
func (s *Signer) Mint(identity, tokenType, jti string, scope []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Scope:     scope,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    s.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.signKey)
}

// Verify checks signature, exp, nbf and (when configured) iss/aud, and
// returns the claim set. Expiry maps to ErrTokenExpired; everything else to
// ErrTokenInvalid.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return s.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return &claims, nil
}

// DecodeExpiry extracts exp without verifying the signature. Clients use it
// to schedule proactive refresh; it is never a substitute for Verify.
func DecodeExpiry(tokenString string) (time.Time, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrTokenInvalid)
	}
	return claims.ExpiresAt.Time, nil
}
