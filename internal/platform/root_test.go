package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindConfig(t *testing.T) {
	// base/
	//   project/ (mindcache.yaml)
	//     subdir/nested/
	//   hidden/ (.mindcache/config.yaml)
	//   empty/
	baseDir := t.TempDir()
	projectDir := filepath.Join(baseDir, "project")
	nestedDir := filepath.Join(projectDir, "subdir", "nested")
	hiddenDir := filepath.Join(baseDir, "hidden")
	emptyDir := filepath.Join(baseDir, "empty")

	require.NoError(t, os.MkdirAll(nestedDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(hiddenDir, ".mindcache"), 0o755))
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "mindcache.yaml"), []byte("listen: 127.0.0.1:0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(hiddenDir, ".mindcache", "config.yaml"), nil, 0o644))
	// A directory named like a config file is not one.
	require.NoError(t, os.Mkdir(filepath.Join(emptyDir, "mindcache.yml"), 0o755))

	tests := []struct {
		name      string
		startPath string
		want      string
		wantErr   bool
	}{
		{name: "Start at Root", startPath: projectDir, want: filepath.Join(projectDir, "mindcache.yaml")},
		{name: "Start Nested Deeply", startPath: nestedDir, want: filepath.Join(projectDir, "mindcache.yaml")},
		{name: "Hidden Directory", startPath: hiddenDir, want: filepath.Join(hiddenDir, ".mindcache", "config.yaml")},
		{name: "Not Found", startPath: emptyDir, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindConfig(tt.startPath)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Clean(tt.want), filepath.Clean(got))
		})
	}
}
