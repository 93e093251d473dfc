package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
)

var secret = []byte("0123456789abcdef-test-secret")

func authCode(t *testing.T, err error) core.AuthCode {
	t.Helper()
	var ae *core.AuthError
	require.ErrorAs(t, err, &ae)
	return ae.Code
}

func TestSigner(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	signer, err := auth.NewSigner(secret, auth.WithClock(clock), auth.WithTTL(time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	token, err := signer.Mint(auth.Grant{InstanceID: "inst", UserID: "ada", Permission: core.PermissionWrite})
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)

	g, err := signer.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "inst", g.InstanceID)
	assert.Equal(t, "ada", g.UserID)
	assert.Equal(t, core.PermissionWrite, g.Permission)
	assert.Equal(t, now.Add(time.Minute).Unix(), g.ExpiresAt.Unix())

	t.Run("Expired", func(t *testing.T) {
		late, err := auth.NewSigner(secret, auth.WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
		require.NoError(t, err)
		_, err = late.Authenticate(ctx, token)
		assert.ErrorIs(t, err, core.ErrAuth)
		assert.Equal(t, core.AuthExpired, authCode(t, err))
	})

	t.Run("Tampered", func(t *testing.T) {
		other, err := auth.NewSigner([]byte("another-secret-of-16+"), auth.WithClock(clock))
		require.NoError(t, err)
		_, err = other.Authenticate(ctx, token)
		assert.Equal(t, core.AuthInvalidKey, authCode(t, err))

		_, err = signer.Authenticate(ctx, token+"x")
		assert.Equal(t, core.AuthInvalidKey, authCode(t, err))

		_, err = signer.Authenticate(ctx, "plain-key")
		assert.Equal(t, core.AuthInvalidKey, authCode(t, err))
	})

	t.Run("Other Algorithm", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
			"sub":  "ada",
			"aud":  "inst",
			"perm": "admin",
			"exp":  now.Add(time.Minute).Unix(),
		}).SignedString(secret)
		require.NoError(t, err)
		_, err = signer.Authenticate(ctx, forged)
		assert.Equal(t, core.AuthInvalidKey, authCode(t, err))
	})

	t.Run("Missing Expiry", func(t *testing.T) {
		forever, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":  "ada",
			"aud":  "inst",
			"perm": "write",
		}).SignedString(secret)
		require.NoError(t, err)
		_, err = signer.Authenticate(ctx, forever)
		assert.Equal(t, core.AuthInvalidKey, authCode(t, err))
	})

	t.Run("Invalid Grant", func(t *testing.T) {
		_, err := signer.Mint(auth.Grant{InstanceID: "inst", UserID: "ada", Permission: "root"})
		assert.Error(t, err)
	})

	t.Run("Weak Secret", func(t *testing.T) {
		_, err := auth.NewSigner([]byte("short"))
		assert.ErrorIs(t, err, auth.ErrWeakSecret)
	})
}

func TestChain(t *testing.T) {
	now := time.Now()
	signer, err := auth.NewSigner(secret)
	require.NoError(t, err)
	static := auth.StaticKeys{"admin-key": {InstanceID: auth.AnyInstance, UserID: "ops", Permission: core.PermissionAdmin}}
	chain := auth.Chain(static, signer)
	ctx := context.Background()

	g, err := chain.Authenticate(ctx, "admin-key")
	require.NoError(t, err)
	assert.True(t, g.Allows("anything"))

	expired, err := signer.Mint(auth.Grant{InstanceID: "i", UserID: "u", Permission: core.PermissionRead, ExpiresAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = chain.Authenticate(ctx, expired)
	assert.Equal(t, core.AuthExpired, authCode(t, err))

	_, err = chain.Authenticate(ctx, "nope")
	assert.Equal(t, core.AuthInvalidKey, authCode(t, err))

	scoped := auth.Grant{InstanceID: "i"}
	assert.True(t, scoped.Allows("i"))
	assert.False(t, scoped.Allows("j"))
}
