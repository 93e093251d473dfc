// Package auth resolves the credential presented in a session's auth frame
// to a Grant: which instance it may open, as which user, with which
// permission level.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/aretw0/mindcache/pkg/core"
)

// AnyInstance in Grant.InstanceID lets a credential open every instance.
const AnyInstance = "*"

// Grant is a validated credential.
type Grant struct {
	InstanceID string          `json:"i" yaml:"instance" validate:"required"`
	UserID     string          `json:"u" yaml:"user" validate:"required"`
	Permission core.Permission `json:"p" yaml:"permission" validate:"required,oneof=read write admin system"`
	ExpiresAt  time.Time       `json:"-" yaml:"-"`
}

// Allows reports whether the grant covers instanceID.
func (g Grant) Allows(instanceID string) bool {
	return g.InstanceID == AnyInstance || g.InstanceID == instanceID
}

// Authenticator validates credentials. Failures are *core.AuthError.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Grant, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (Grant, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credential string) (Grant, error) {
	return f(ctx, credential)
}

// StaticKeys maps long-lived API keys to grants.
type StaticKeys map[string]Grant

func (k StaticKeys) Authenticate(_ context.Context, credential string) (Grant, error) {
	g, ok := k[credential]
	if !ok {
		return Grant{}, &core.AuthError{Code: core.AuthInvalidKey, Reason: "unknown api key"}
	}
	return g, nil
}

// Chain tries each authenticator in turn. When all fail the most specific
// failure wins, so an expired token is not reported as an unknown key.
func Chain(auths ...Authenticator) Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, credential string) (Grant, error) {
		var best *core.AuthError
		for _, a := range auths {
			g, err := a.Authenticate(ctx, credential)
			if err == nil {
				return g, nil
			}
			var ae *core.AuthError
			if !errors.As(err, &ae) {
				return Grant{}, err
			}
			if best == nil || ae.Code != core.AuthInvalidKey {
				best = ae
			}
		}
		if best == nil {
			best = &core.AuthError{Code: core.AuthInvalidKey, Reason: "no authenticator configured"}
		}
		return Grant{}, best
	})
}
