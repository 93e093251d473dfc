package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/adapters/badger"
	"github.com/aretw0/mindcache/pkg/core"
)

func sample(t *testing.T) core.Snapshot {
	t.Helper()
	s := core.NewStore()
	require.NoError(t, s.Set("name", core.TextValue("Ada"), core.WithSystemTags(core.TagProtected)))
	require.NoError(t, s.SetDocument("notes", "draft", nil))
	return s.Snapshot()
}

func TestInMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Load(ctx, "inst")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, p.Save(ctx, "inst", sample(t)))
	require.NoError(t, p.Save(ctx, "other", core.Snapshot{}))

	snap, err := p.Load(ctx, "inst")
	require.NoError(t, err)
	restored := core.NewStore()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, []string{"name", "notes"}, restored.Keys())
	e, ok := restored.Entry("name")
	require.True(t, ok)
	assert.True(t, e.Attributes.Protected())

	ids, err := p.Instances()
	require.NoError(t, err)
	assert.Equal(t, []string{"inst", "other"}, ids)

	require.NoError(t, p.Delete(ctx, "other"))
	ids, err = p.Instances()
	require.NoError(t, err)
	assert.Equal(t, []string{"inst"}, ids)

	assert.Equal(t, uint64(2), p.State().(badger.PersisterState).Saves)
	assert.ErrorIs(t, p.Save(ctx, "", core.Snapshot{}), core.ErrValidation)
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	cfg := badger.DefaultConfig()
	cfg.Path = t.TempDir()

	p, err := badger.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Save(ctx, "inst", sample(t)))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, p.State().(badger.PersisterState).Closed)

	p, err = badger.Open(cfg)
	require.NoError(t, err)
	defer p.Close()
	snap, err := p.Load(ctx, "inst")
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := badger.Open(badger.Config{})
	assert.ErrorIs(t, err, core.ErrValidation)
}
