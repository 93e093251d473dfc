package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aretw0/mindcache/pkg/core"
)

const (
	minSecretLength = 16

	// DefaultTokenTTL bounds tokens minted without an explicit expiry.
	DefaultTokenTTL = 15 * time.Minute
)

// ErrWeakSecret is returned for signing secrets shorter than 16 bytes.
var ErrWeakSecret = errors.New("signing secret too short")

var validate = validator.New(validator.WithRequiredStructEnabled())

// claims carries a Grant in an HS256 JWT: the subject is the user and the
// single audience is the instance.
type claims struct {
	Permission core.Permission `json:"perm"`
	jwt.RegisteredClaims
}

func (c claims) grant() Grant {
	g := Grant{UserID: c.Subject, Permission: c.Permission}
	if len(c.Audience) == 1 {
		g.InstanceID = c.Audience[0]
	}
	if c.ExpiresAt != nil {
		g.ExpiresAt = c.ExpiresAt.Time
	}
	return g
}

// Signer mints and verifies short-lived, instance-scoped tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithTTL sets the lifetime of tokens minted without an expiry.
func WithTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a signer over secret.
func NewSigner(secret []byte, opts ...SignerOption) (*Signer, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	s := &Signer{secret: append([]byte(nil), secret...), ttl: DefaultTokenTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	return s, nil
}

// Mint issues a token for g. A zero ExpiresAt uses the signer's TTL.
func (s *Signer) Mint(g Grant) (string, error) {
	if err := validate.Struct(g); err != nil {
		return "", fmt.Errorf("invalid grant: %w", err)
	}
	now := s.now()
	exp := g.ExpiresAt
	if exp.IsZero() {
		exp = now.Add(s.ttl)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Permission: g.Permission,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.UserID,
			Audience:  jwt.ClaimStrings{g.InstanceID},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.secret)
}

func (s *Signer) key(*jwt.Token) (any, error) {
	return s.secret, nil
}

// Authenticate verifies a token minted by Mint.
func (s *Signer) Authenticate(_ context.Context, token string) (Grant, error) {
	var c claims
	if _, err := s.parser.ParseWithClaims(token, &c, s.key); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, &core.AuthError{Code: core.AuthExpired, Reason: "token expired"}
		}
		return Grant{}, &core.AuthError{Code: core.AuthInvalidKey, Reason: err.Error()}
	}
	g := c.grant()
	if err := validate.Struct(g); err != nil {
		return Grant{}, &core.AuthError{Code: core.AuthInvalidKey, Reason: "token carries an invalid grant"}
	}
	return g, nil
}
