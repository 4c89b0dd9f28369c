/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth authenticates read and delete requests with bearer
// credentials: static tokens or HS256-signed JWTs.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the authenticator.
var (
	// ErrUnauthorized is returned when a request carries no valid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotConfigured is returned by New when neither tokens nor a JWT secret are set.
	ErrNotConfigured = errors.New("no authentication credentials configured")
)

// Challenge is the WWW-Authenticate value sent with 401 responses.
const Challenge = `Bearer realm="motion-collector"`

// Authentication methods reported in Principal.Method.
const (
	MethodToken = "token"
	MethodJWT   = "jwt"
)

// DefaultLeeway is the clock skew tolerated on exp and nbf.
const DefaultLeeway = 30 * time.Second

// Config configures an Authenticator.
type Config struct {
	// Tokens are accepted static bearer tokens.
	Tokens []string
	// JWTSecret is the HS256 signing key. Empty disables JWT authentication.
	JWTSecret []byte
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Leeway is the tolerated clock skew. Defaults to DefaultLeeway.
	Leeway time.Duration
}

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	Method  string
}

// Authenticator verifies bearer credentials.
type Authenticator struct {
	digests [][sha256.Size]byte
	secret  []byte
	parser  *jwt.Parser
}

// New creates an Authenticator. It returns ErrNotConfigured when cfg holds
// no usable credential.
func New(cfg Config) (*Authenticator, error) {
	a := &Authenticator{}
	for _, tok := range cfg.Tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		a.digests = append(a.digests, sha256.Sum256([]byte(tok)))
	}
	if len(cfg.JWTSecret) > 0 {
		leeway := cfg.Leeway
		if leeway == 0 {
			leeway = DefaultLeeway
		}
		opts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		}
		if cfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.Issuer))
		}
		a.secret = cfg.JWTSecret
		a.parser = jwt.NewParser(opts...)
	}
	if len(a.digests) == 0 && a.parser == nil {
		return nil, ErrNotConfigured
	}
	return a, nil
}

// Authenticate checks the request's Authorization header.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	return a.Verify(token)
}

// Verify checks a raw bearer credential.
func (a *Authenticator) Verify(token string) (*Principal, error) {
	if a.matchesStatic(token) {
		return &Principal{Subject: "static-token", Method: MethodToken}, nil
	}
	if a.parser == nil {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return &Principal{Subject: claims.Subject, Method: MethodJWT}, nil
}

// matchesStatic compares against every configured token so the time taken
// does not depend on which one matched.
func (a *Authenticator) matchesStatic(token string) bool {
	if len(a.digests) == 0 {
		return false
	}
	d := sha256.Sum256([]byte(token))
	match := 0
	for i := range a.digests {
		match |= subtle.ConstantTimeCompare(d[:], a.digests[i][:])
	}
	return match == 1
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller stored on ctx.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
