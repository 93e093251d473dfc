package typed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/typed"
)

type UserProfile struct {
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Age   int      `json:"age"`
	Tags  []string `json:"tags,omitempty"`
}

func TestGetSet(t *testing.T) {
	s := core.NewStore()
	alice := UserProfile{Name: "Alice", Email: "alice@example.com", Age: 30}

	require.NoError(t, typed.Set(s, s, "user", alice, core.WithSystemTags(core.TagLLMRead)))
	e, ok := s.Entry("user")
	require.True(t, ok)
	assert.Equal(t, core.TypeJSON, e.Attributes.Type)
	assert.True(t, e.Attributes.Readable())

	got, err := typed.Get[UserProfile](s, "user")
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	t.Run("Missing Key", func(t *testing.T) {
		_, err := typed.Get[UserProfile](s, "ghost")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Wrong Type", func(t *testing.T) {
		require.NoError(t, s.Set("note", core.TextValue("hi"), nil))
		_, err := typed.Get[UserProfile](s, "note")
		assert.ErrorIs(t, err, core.ErrTypeMismatch)
		assert.ErrorIs(t, typed.Set(s, s, "note", alice, nil), core.ErrTypeMismatch)
	})

	t.Run("Shape Mismatch", func(t *testing.T) {
		require.NoError(t, s.Set("list", core.JSONValue(`[1,2]`), nil))
		_, err := typed.Get[UserProfile](s, "list")
		assert.ErrorIs(t, err, core.ErrValidation)
	})
}

func TestKey(t *testing.T) {
	s := core.NewStore()
	k := typed.NewKey[UserProfile](s, "profile", nil)

	var seen []string
	id := k.Subscribe(func(p UserProfile, err error) {
		if err != nil {
			seen = append(seen, "gone")
			return
		}
		seen = append(seen, p.Name)
	})

	require.NoError(t, k.Update(func(p *UserProfile) error {
		p.Name = "Bob"
		return nil
	}))
	require.NoError(t, k.Update(func(p *UserProfile) error {
		p.Tags = append(p.Tags, "admin")
		return nil
	}))

	got, err := k.Get()
	require.NoError(t, err)
	assert.Equal(t, UserProfile{Name: "Bob", Tags: []string{"admin"}}, got)

	require.NoError(t, s.Delete("profile"))
	assert.Equal(t, []string{"Bob", "Bob", "gone"}, seen)

	assert.True(t, k.Unsubscribe(id))
	require.NoError(t, k.Set(UserProfile{Name: "Carol"}))
	assert.Len(t, seen, 3)
}
