// Package auth validates the credential a client presents at connection
// setup. It only verifies tokens; minting and rotation live in the
// account service.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mailsense/realtime/errors"
)

// Identity is the verified result of a successful handshake.
type Identity struct {
	UserID string
	Name   string
	Email  string
}

// Authenticator validates an opaque credential and produces an identity.
// Implementations must treat every failure as terminal for the
// presenting connection: a rejected credential is never retried.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// JWTAuthenticator validates HMAC-signed JWT bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	leeway time.Duration
	logger *slog.Logger
}

// Option configures a JWTAuthenticator.
type Option func(*JWTAuthenticator)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(a *JWTAuthenticator) { a.issuer = issuer }
}

// WithLeeway sets the clock-skew allowance for exp/nbf validation.
func WithLeeway(leeway time.Duration) Option {
	return func(a *JWTAuthenticator) { a.leeway = leeway }
}

// NewJWTAuthenticator creates an authenticator from the shared signing
// secret.
func NewJWTAuthenticator(secret []byte, logger *slog.Logger, opts ...Option) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "JWTAuthenticator", "New", "empty signing secret")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &JWTAuthenticator{
		secret: secret,
		leeway: 30 * time.Second,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate parses and verifies the token. Every failure path wraps
// ErrAuthenticationFailed so callers can classify it as non-retryable
// without inspecting jwt internals.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, errors.WrapTransient(err, "JWTAuthenticator", "Authenticate", "context check")
	}
	if credential == "" {
		return Identity{}, a.reject("missing credential", nil)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(credential, claims, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return Identity{}, a.reject("token validation", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, a.reject("missing subject claim", err)
	}

	identity := Identity{UserID: sub}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}

	return identity, nil
}

func (a *JWTAuthenticator) reject(reason string, cause error) error {
	a.logger.Warn("credential rejected", "reason", reason, "error", cause)
	if cause == nil {
		cause = errors.ErrAuthenticationFailed
	} else {
		cause = fmt.Errorf("%w: %w", errors.ErrAuthenticationFailed, cause)
	}
	return errors.WrapFatal(cause, "JWTAuthenticator", "Authenticate", reason)
}
