package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Load(t *testing.T) {
	t.Run("Starts Empty if File Missing", func(t *testing.T) {
		c := newCache(t.TempDir(), ".cache")
		require.NoError(t, c.Load())
		assert.Zero(t, c.Len())
	})

	t.Run("Loads Valid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".cache"), 0o755))
		content := `{
			"version": 1,
			"entries": {
				"notes.json": {"instance": "notes", "hash": 42, "keys": 3}
			}
		}`
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".cache", "index.json"), []byte(content), 0o644))

		c := newCache(tmpDir, ".cache")
		require.NoError(t, c.Load())
		e, ok := c.Get("notes.json")
		require.True(t, ok)
		assert.Equal(t, "notes", e.Instance)
		assert.Equal(t, uint64(42), e.Hash)
		assert.Equal(t, 3, e.Keys)
	})

	t.Run("Resets on Corrupted JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, ".cache"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, ".cache", "index.json"), []byte("{not json"), 0o644))

		c := newCache(tmpDir, ".cache")
		require.NoError(t, c.Load())
		assert.Zero(t, c.Len())
	})
}

func TestCache_SaveAndFresh(t *testing.T) {
	tmpDir := t.TempDir()
	mtime := time.Date(2026, 10, 16, 9, 30, 0, 123456789, time.UTC)

	c := newCache(tmpDir, ".mindcache")
	require.NoError(t, c.Save(), "saving a clean cache is a no-op")
	_, err := os.Stat(c.Path)
	assert.True(t, os.IsNotExist(err))

	c.Set("notes.json", &indexEntry{Instance: "notes", Hash: 7, Keys: 1, LastModified: mtime})
	require.NoError(t, c.Save())

	reloaded := newCache(tmpDir, ".mindcache")
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Fresh("notes.json", mtime))
	assert.False(t, reloaded.Fresh("notes.json", mtime.Add(time.Second)))
	assert.False(t, reloaded.Fresh("other.json", mtime))
}
