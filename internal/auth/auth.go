// Package auth verifies bearer tokens on the HTTP surface. Internal callers
// present a shared secret; end users present a JWT signed by a key from the
// configured JWKS endpoint.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/adaql/ada/internal/config"
)

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrMalformedToken = errors.New("malformed authorization header")
	ErrInvalidToken   = errors.New("invalid token")
)

const (
	ModeShared = "shared"
	ModeJWKS   = "jwks"
)

type Identity struct {
	Subject  string
	Username string
	Email    string
	Service  bool
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// NewVerifier selects the verifier named by cfg.Mode. The JWKS variant starts
// a background key refresh bound to ctx.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case ModeShared, "":
		return NewSharedSecret(cfg.Secret)
	case ModeJWKS:
		if strings.TrimSpace(cfg.JWKSURL) == "" {
			return nil, fmt.Errorf("jwks auth requires a JWKS URL")
		}
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("load jwks %s: %w", cfg.JWKSURL, err)
		}
		return NewJWT(jwks.Keyfunc, cfg.Issuer, cfg.Algorithm)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

type SharedSecret struct {
	secret []byte
}

func NewSharedSecret(secret string) (*SharedSecret, error) {
	if secret == "" {
		return nil, fmt.Errorf("shared-secret auth requires a secret")
	}
	return &SharedSecret{secret: []byte(secret)}, nil
}

func (s *SharedSecret) Verify(_ context.Context, token string) (Identity, error) {
	if subtle.ConstantTimeCompare([]byte(token), s.secret) != 1 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: "service", Service: true}, nil
}

type userClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	jwt.RegisteredClaims
}

// JWT verifies signed user tokens: signature, expiry, issuer and the presence
// of the preferred_username and email claims.
type JWT struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

func NewJWT(kf jwt.Keyfunc, issuer, algorithm string) (*JWT, error) {
	if kf == nil {
		return nil, fmt.Errorf("jwt auth requires a key function")
	}
	if algorithm == "" {
		algorithm = "RS256"
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(config.SplitList(algorithm)),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWT{keyfunc: kf, parser: jwt.NewParser(opts...)}, nil
}

func (v *JWT) Verify(_ context.Context, token string) (Identity, error) {
	var claims userClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyfunc); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.PreferredUsername == "" || claims.Email == "" {
		return Identity{}, fmt.Errorf("%w: preferred_username and email claims are required", ErrInvalidToken)
	}
	return Identity{Subject: claims.Subject, Username: claims.PreferredUsername, Email: claims.Email}, nil
}
